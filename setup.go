package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

const unitName = "gpu-price-tracker"

var unitTemplates = template.Must(template.New("units").Parse(`
{{define "service"}}[Unit]
Description=GPU price tracker daily update
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
WorkingDirectory={{.WorkDir}}
ExecStart={{.Exec}} daily-update
{{end}}
{{define "timer"}}[Unit]
Description=Run GPU price tracker daily at {{.Clock}} UTC

[Timer]
OnCalendar=*-*-* {{.Clock}}:00 UTC
Persistent=true

[Install]
WantedBy=timers.target
{{end}}`))

// schedule describes one daily run of the update pipeline.
type schedule struct {
	Hour, Minute int
	Exec         string
	WorkDir      string
}

// newSchedule parses an HH:MM daily run time.
func newSchedule(clock, exec, workDir string) (*schedule, error) {
	parts := strings.Split(clock, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid schedule %q, want HH:MM", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return nil, fmt.Errorf("invalid hour in schedule %q", clock)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid minute in schedule %q", clock)
	}
	return &schedule{Hour: hour, Minute: minute, Exec: exec, WorkDir: workDir}, nil
}

// Clock is the run time as HH:MM.
func (s *schedule) Clock() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// cronLines is the crontab entry. CRON_TZ pins the schedule to UTC like the
// systemd timer.
func (s *schedule) cronLines() []string {
	return []string{
		"CRON_TZ=UTC",
		fmt.Sprintf("%d %d * * * cd %s && %s daily-update >> %s 2>&1",
			s.Minute, s.Hour, shellQuote(s.WorkDir), shellQuote(s.Exec),
			shellQuote(filepath.Join(s.WorkDir, "logs", "daily-update.log"))),
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (s *schedule) render(name string) (string, error) {
	var buf bytes.Buffer
	if err := unitTemplates.ExecuteTemplate(&buf, name, s); err != nil {
		return "", errors.Wrapf(err, "render %s unit", name)
	}
	return buf.String(), nil
}

// writeUnits writes the systemd service and timer into dir.
func (s *schedule) writeUnits(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create unit dir")
	}

	var written []string
	for _, kind := range []string{"service", "timer"} {
		body, err := s.render(kind)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, unitName+"."+kind)
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			return written, errors.Wrapf(err, "write %s", path)
		}
		written = append(written, path)
	}
	return written, nil
}
