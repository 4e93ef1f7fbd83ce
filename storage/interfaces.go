package storage

import (
	"context"

	"gpu-price-tracker/models"
)

// BatchMirror receives a copy of every batch after it has been committed to
// the price store.
type BatchMirror interface {
	WriteBatch(ctx context.Context, summary models.BatchSummary, records []models.PriceRecord) error
	Close() error
}

// RawOfferWriter is the interface for persisting unprocessed catalog offers.
type RawOfferWriter interface {
	WriteRaw(offers []*models.RawOffer) error
	Close() error
}
