package queueview

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/rbaliyan/queueview/store/memory"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
)

func TestNewOptions(t *testing.T) {
	t.Run("returns defaults without options", func(t *testing.T) {
		opts := newOptions()

		if opts.sliceWindow != DefaultSliceWindow {
			t.Errorf("expected sliceWindow %v, got %v", DefaultSliceWindow, opts.sliceWindow)
		}
		if opts.bucketCount != DefaultBucketCount {
			t.Errorf("expected bucketCount %v, got %v", DefaultBucketCount, opts.bucketCount)
		}
		if opts.updateBrowseStartPace != DefaultUpdateBrowseStartPace {
			t.Errorf("expected pace %v, got %v", DefaultUpdateBrowseStartPace, opts.updateBrowseStartPace)
		}
		if opts.fanOut != DefaultFanOut {
			t.Errorf("expected fanOut %v, got %v", DefaultFanOut, opts.fanOut)
		}
		if opts.healthGracePeriod != DefaultHealthGracePeriod {
			t.Errorf("expected healthGracePeriod %v, got %v", DefaultHealthGracePeriod, opts.healthGracePeriod)
		}
		if opts.purgeContent {
			t.Error("content purging should be off by default")
		}
		rs, ok := opts.sampler.(*RateSampler)
		if !ok || rs.Pace() != DefaultUpdateBrowseStartPace {
			t.Errorf("expected rate sampler with default pace, got %#v", opts.sampler)
		}
	})

	t.Run("pace feeds the default sampler", func(t *testing.T) {
		opts := newOptions(WithUpdateBrowseStartPace(10))
		if rs, ok := opts.sampler.(*RateSampler); !ok || rs.Pace() != 10 {
			t.Errorf("expected pace 10, got %#v", opts.sampler)
		}
	})

	t.Run("explicit sampler wins", func(t *testing.T) {
		opts := newOptions(WithUpdateBrowseStartPace(10), WithSampler(Always))
		if !opts.sampler.Sample() {
			t.Error("expected Always sampler")
		}
	})
}

func TestOptionGuards(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		check func(*options) bool
	}{
		{"slice window below minimum", WithSliceWindow(time.Millisecond), func(o *options) bool { return o.sliceWindow == DefaultSliceWindow }},
		{"slice window truncated to millis", WithSliceWindow(time.Minute + time.Microsecond), func(o *options) bool { return o.sliceWindow == time.Minute }},
		{"zero buckets", WithBucketCount(0), func(o *options) bool { return o.bucketCount == DefaultBucketCount }},
		{"too many buckets", WithBucketCount(MaxBucketCount + 1), func(o *options) bool { return o.bucketCount == DefaultBucketCount }},
		{"max buckets", WithBucketCount(MaxBucketCount), func(o *options) bool { return o.bucketCount == MaxBucketCount }},
		{"zero pace", WithUpdateBrowseStartPace(0), func(o *options) bool { return o.updateBrowseStartPace == DefaultUpdateBrowseStartPace }},
		{"zero fan-out", WithFanOut(0), func(o *options) bool { return o.fanOut == DefaultFanOut }},
		{"negative grace period", WithHealthGracePeriod(-time.Hour), func(o *options) bool { return o.healthGracePeriod == DefaultHealthGracePeriod }},
		{"short shutdown timeout", WithShutdownTimeout(time.Millisecond), func(o *options) bool { return o.shutdownTimeout == DefaultShutdownTimeout }},
		{"nil store", WithStore(nil), func(o *options) bool { return o.store == nil }},
		{"nil blob store", WithBlobStore(nil), func(o *options) bool { return o.blobs == nil }},
		{"nil logger", WithLogger(nil), func(o *options) bool { return o.logger != nil }},
		{"nil clock", WithClock(nil), func(o *options) bool { return o.now != nil }},
		{"nil sampler", WithSampler(nil), func(o *options) bool { return o.sampler != nil }},
		{"nil meter provider", WithMeterProvider(nil), func(o *options) bool { return o.meterProvider == nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(newOptions(tt.opt)) {
				t.Error("option guard failed")
			}
		})
	}
}

func TestViewConfiguration(t *testing.T) {
	opts := newOptions(WithSliceWindow(15*time.Minute), WithBucketCount(8))
	cfg := opts.viewConfiguration()
	if cfg.SliceWindow != 15*time.Minute || cfg.BucketCount != 8 {
		t.Errorf("unexpected configuration %+v", cfg)
	}
}

func TestSafeEventPublishFailure(t *testing.T) {
	t.Run("handler receives the failure", func(t *testing.T) {
		var gotName string
		opts := newOptions(WithEventPublishFailureHandler(func(name string, err error) {
			gotName = name
		}))
		opts.safeEventPublishFailure("ItemDeleted", errors.New("boom"))
		if gotName != "ItemDeleted" {
			t.Errorf("handler got %q", gotName)
		}
	})

	t.Run("panicking handler is contained", func(t *testing.T) {
		opts := newOptions(
			WithLogger(slog.New(slog.DiscardHandler)),
			WithEventPublishFailureHandler(func(string, error) { panic("handler bug") }),
		)
		opts.safeEventPublishFailure("ItemDeleted", errors.New("boom"))
	})
}

func TestOTelOptions(t *testing.T) {
	v, err := NewView(
		WithStore(memory.New()),
		WithOTel(true),
		WithServiceName("test"),
		WithMeterProvider(metricnoop.NewMeterProvider()),
	)
	if err != nil {
		t.Fatalf("create view: %v", err)
	}
	vv := v.(*view)
	if !vv.otel.metricsEnabled {
		t.Error("expected metrics enabled")
	}
}
