package notify

import (
	"context"
	"errors"

	"rollcall/internal/attendance"
)

// Fanout publishes to every publisher in turn and joins their errors.
type Fanout []attendance.Publisher

// Publish implements attendance.Publisher.
func (f Fanout) Publish(ctx context.Context, evt attendance.Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
