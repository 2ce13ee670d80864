package engine

import (
	"fmt"

	"github.com/kazukittin/dupsnap/internal/calibrate"
	"github.com/kazukittin/dupsnap/internal/grouping"
	"github.com/kazukittin/dupsnap/internal/metrics"
)

// BlurMethod selects how the sharpness signals combine into a blur flag.
type BlurMethod string

const (
	// BlurVOL flags when the Laplacian variance falls below its threshold.
	BlurVOL BlurMethod = "vol"
	// BlurHFR flags when the high-frequency ratio falls below its threshold.
	BlurHFR BlurMethod = "hfr"
	// BlurVOLPlusHFR flags only when BOTH signals indicate blur. The
	// conjunction is deliberate: it trades recall for fewer false positives.
	BlurVOLPlusHFR BlurMethod = "vol+hfr"
)

// ParseBlurMethod validates a blur method name.
func ParseBlurMethod(s string) (BlurMethod, error) {
	switch BlurMethod(s) {
	case BlurVOL, BlurHFR, BlurVOLPlusHFR:
		return BlurMethod(s), nil
	default:
		return "", fmt.Errorf("unknown blur method %q (want vol, hfr or vol+hfr)", s)
	}
}

// belowThreshold reports whether a lower-is-worse metric indicates a defect.
// Missing scores or uncalibrated metrics never indicate anything.
func belowThreshold(scores metrics.Scores, thresholds *calibrate.ThresholdSet, name string) bool {
	score, ok := scores[name]
	if !ok {
		return false
	}
	threshold, ok := thresholds.Lookup(name)
	if !ok {
		return false
	}
	return threshold.Exceeded(score)
}

// isBlurry applies the configured blur rule against calibrated thresholds.
func isBlurry(scores metrics.Scores, thresholds *calibrate.ThresholdSet, method BlurMethod) bool {
	vol := belowThreshold(scores, thresholds, metrics.MetricVOL)
	hfr := belowThreshold(scores, thresholds, metrics.MetricHFR)
	switch method {
	case BlurVOL:
		return vol
	case BlurHFR:
		return hfr
	default:
		return vol && hfr
	}
}

// isNoisy applies the disjunctive noise rule: any available noise metric in
// its bad tail is sufficient evidence, since each targets a different noise
// signature. Unavailable analyzers contribute nothing.
func isNoisy(scores metrics.Scores, thresholds *calibrate.ThresholdSet, registry *metrics.Registry) bool {
	for _, analyzer := range registry.OfKind(metrics.Noise) {
		score, ok := scores[analyzer.Name()]
		if !ok {
			continue
		}
		threshold, ok := thresholds.Lookup(analyzer.Name())
		if !ok {
			continue
		}
		if threshold.Exceeded(score) {
			return true
		}
	}
	return false
}

// decide assigns the terminal decision for every record, in fixed
// precedence: duplicate policy first, then the quality rules on singletons
// and group representatives only. A removed duplicate's quality is
// immaterial.
func decide(records []*ImageRecord, groups []*grouping.Group, thresholds *calibrate.ThresholdSet, params RunParams, registry *metrics.Registry, lowTexture bool) {
	byPath := make(map[string]*ImageRecord, len(records))
	for _, r := range records {
		if !r.Skipped() {
			r.Decision = DecisionKeep
			r.GroupID = 0
			byPath[r.Path] = r
		}
	}

	for _, g := range groups {
		rep := g.Representative().Path
		for _, m := range g.Members {
			r := byPath[m.Path]
			if r == nil {
				continue
			}
			r.GroupID = g.ID
			if g.Size() > 1 && m.Path != rep {
				r.Decision = DecisionDuplicate
			}
		}
	}

	if thresholds == nil {
		return
	}
	for _, r := range records {
		if r.Skipped() || r.Decision == DecisionDuplicate {
			continue
		}
		if params.EnableBlur && !lowTexture && isBlurry(r.Scores, thresholds, params.BlurMethod) {
			r.Decision = DecisionBlurry
			continue
		}
		if params.EnableNoise && isNoisy(r.Scores, thresholds, registry) {
			r.Decision = DecisionNoisy
		}
	}
}
