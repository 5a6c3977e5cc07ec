package alerts

import (
	"context"
	"errors"
	"io"

	"ledger/internal/core"
)

// FanOut delivers every alert to each publisher in order. A failing
// publisher does not stop the others.
type FanOut []Publisher

func (f FanOut) PublishAlert(ctx context.Context, ev core.AlertEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishAlert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes the publishers that hold resources.
func (f FanOut) Close() error {
	var errs []error
	for _, p := range f {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
