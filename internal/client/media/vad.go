package media

import (
	"math"
	"sync"
	"time"
)

const (
	// SilenceHold is how long the level must stay under threshold before
	// speech is considered over.
	SilenceHold = 150 * time.Millisecond

	DefaultThresholdDB = -50.0
	// FloorDB is what silence measures as.
	FloorDB = -100.0
)

// Detector is a voice-activity detector with asymmetric hysteresis: a single
// loud reading starts speech, and only SilenceHold of continuous quiet ends it.
type Detector struct {
	mu        sync.Mutex
	threshold float64
	speaking  bool
	// quietSince is the first sub-threshold reading of the current quiet
	// stretch; zero while loud.
	quietSince time.Time
}

func NewDetector(thresholdDB float64) *Detector {
	return &Detector{threshold: thresholdDB}
}

func (d *Detector) SetThreshold(db float64) {
	d.mu.Lock()
	d.threshold = db
	d.mu.Unlock()
}

func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// Update feeds one level reading taken at now and returns whether the
// speaker is considered to be talking.
func (d *Detector) Update(levelDB float64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if levelDB > d.threshold {
		d.speaking = true
		d.quietSince = time.Time{}
		return true
	}
	if !d.speaking {
		return false
	}
	if d.quietSince.IsZero() {
		d.quietSince = now
	}
	if now.Sub(d.quietSince) >= SilenceHold {
		d.speaking = false
		d.quietSince = time.Time{}
	}
	return d.speaking
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// LevelDB is the RMS of samples in dBFS, clamped at FloorDB.
func LevelDB(samples []float32) float64 {
	if len(samples) == 0 {
		return FloorDB
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return FloorDB
	}
	return math.Max(20*math.Log10(rms), FloorDB)
}
