package signing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Rotator periodically rotates active keys that have outlived their maximum
// age. Rotation is non-destructive: outgoing keys are deprecated, never
// removed, so every signature they ever produced stays verifiable.
type Rotator struct {
	backend  Backend
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
	onRotate func()
	quit     chan struct{}
	done     chan struct{}
}

// NewRotator creates a rotation scheduler for backend. interval defaults to
// one hour, maxAge to thirty days.
func NewRotator(backend Backend, interval, maxAge time.Duration, logger *zap.Logger) *Rotator {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &Rotator{
		backend:  backend,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetRotateHook installs an optional callback invoked once per successful
// rotation, used for metrics.
func (r *Rotator) SetRotateHook(fn func()) { r.onRotate = fn }

// Start launches the rotation loop in its own goroutine.
func (r *Rotator) Start() {
	go r.loop()
}

// Stop terminates the loop and waits for it to exit. Call at most once.
func (r *Rotator) Stop() {
	close(r.quit)
	<-r.done
}

func (r *Rotator) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			r.RotateDue(ctx)
			cancel()
		case <-r.quit:
			return
		}
	}
}

// RotateDue rotates every active key older than the configured maximum age
// and returns how many rotations succeeded. Failures are logged and skipped
// so one stuck key cannot block the rest.
func (r *Rotator) RotateDue(ctx context.Context) int {
	keys, err := r.backend.ListKeys(ctx)
	if err != nil {
		r.logger.Error("rotation: list keys", zap.Error(err))
		return 0
	}

	rotated := 0
	for _, k := range keys {
		if k.Status != KeyActive {
			continue
		}
		if time.Since(k.CreatedAt) < r.maxAge {
			continue
		}
		meta, err := r.backend.RotateKey(ctx, k.KeyID)
		if err != nil {
			r.logger.Error("rotation failed",
				zap.String("key_id", k.KeyID),
				zap.Error(err),
			)
			continue
		}
		rotated++
		if r.onRotate != nil {
			r.onRotate()
		}
		r.logger.Info("key rotated on schedule",
			zap.String("old_key_id", k.KeyID),
			zap.String("new_key_id", meta.KeyID),
			zap.Duration("age", time.Since(k.CreatedAt)),
		)
	}
	return rotated
}
