package finding

import (
	"context"
	"time"

	"github.com/HerbHall/wazuhsync/pkg/models"
)

// Target is the narrow view of a local device the reconciler needs.
type Target interface {
	ExternalID() string
	Kind() models.DeviceKind
	LocalID() int64
}

// Watermark reads incremental lower bounds from the local store.
type Watermark struct {
	store   *Store
	kinds   map[models.FindingKind]*KindConfig
	nowFunc func() time.Time
}

// NewWatermark creates a tracker over s.
func NewWatermark(s *Store, kinds map[models.FindingKind]*KindConfig) *Watermark {
	return &Watermark{store: s, kinds: kinds, nowFunc: time.Now}
}

// Latest returns the newest local detection time for target, or the kind's
// default when the device has no rows yet. The result is always UTC.
func (w *Watermark) Latest(ctx context.Context, kc *KindConfig, target Target) (time.Time, error) {
	ts, err := w.store.LatestDetected(ctx, kc, target.Kind(), target.LocalID())
	if err != nil {
		return time.Time{}, err
	}
	if ts == nil {
		return kc.DefaultWatermark(w.nowFunc()).UTC(), nil
	}
	return ts.UTC(), nil
}

// LatestDetectionTime is the vulnerability watermark.
func (w *Watermark) LatestDetectionTime(ctx context.Context, target Target) (time.Time, error) {
	return w.Latest(ctx, w.kinds[models.FindingVulnerability], target)
}

// LatestAlertTime is the alert watermark.
func (w *Watermark) LatestAlertTime(ctx context.Context, target Target) (time.Time, error) {
	return w.Latest(ctx, w.kinds[models.FindingAlert], target)
}
