package engine

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kazukittin/dupsnap/internal/cache"
	"github.com/kazukittin/dupsnap/internal/calibrate"
	"github.com/kazukittin/dupsnap/internal/fingerprint"
	"github.com/kazukittin/dupsnap/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(path string, bits uint64, width, height int, scores map[string]float64, intensityVar float64) *ImageRecord {
	return &ImageRecord{
		Path:         path,
		Width:        width,
		Height:       height,
		Size:         1000,
		Fingerprint:  fingerprint.Fingerprint{Bits: bits, Method: fingerprint.MethodPHash},
		Scores:       scores,
		IntensityVar: intensityVar,
		Decision:     DecisionKeep,
		Outcome:      OutcomePending,
	}
}

// sessionWith injects pre-extracted records, already sorted by path.
func sessionWith(records ...*ImageRecord) *Session {
	s := NewSession(testLogger(), metrics.DefaultRegistry(), fingerprint.MethodPHash, 1, nil)
	s.records = records
	return s
}

// Far-apart fingerprint bit patterns; pairwise Hamming distance >= 16.
var distinctBits = []uint64{
	0x0000000000000000,
	0x000000000000ffff,
	0x00000000ffffffff,
	0x0000ffffffffffff,
	0xffffffffffffffff,
}

func TestEvaluateDuplicatePrecedence(t *testing.T) {
	// a, b, c share one fingerprint; c has the highest resolution and
	// becomes representative. a carries the worst sharpness scores in the
	// batch, but duplicate removal takes precedence over the blur flag.
	s := sessionWith(
		record("a.jpg", 0, 100, 100, map[string]float64{metrics.MetricVOL: 1, metrics.MetricHFR: 0.01}, 10),
		record("b.jpg", 0, 100, 100, map[string]float64{metrics.MetricVOL: 1.5, metrics.MetricHFR: 0.02}, 10),
		record("c.jpg", 0, 200, 200, map[string]float64{metrics.MetricVOL: 10, metrics.MetricHFR: 1}, 10),
		record("d.jpg", distinctBits[2], 100, 100, map[string]float64{metrics.MetricVOL: 10, metrics.MetricHFR: 1}, 10),
		record("e.jpg", distinctBits[4], 100, 100, map[string]float64{metrics.MetricVOL: 10, metrics.MetricHFR: 1}, 10),
	)

	res, err := s.Evaluate(context.Background(), RunParams{
		SimilarityThreshold: 5,
		BlurMethod:          BlurVOLPlusHFR,
		BlurPercentile:      20,
		EnableBlur:          true,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	want := map[string]Decision{
		"a.jpg": DecisionDuplicate,
		"b.jpg": DecisionDuplicate,
		"c.jpg": DecisionKeep,
		"d.jpg": DecisionKeep,
		"e.jpg": DecisionKeep,
	}
	for _, r := range res.Records {
		if r.Decision != want[r.Path] {
			t.Errorf("%s: decision = %s, want %s", r.Path, r.Decision, want[r.Path])
		}
	}

	for _, r := range res.Records {
		switch r.Path {
		case "a.jpg", "b.jpg", "c.jpg":
			if r.GroupID != 1 {
				t.Errorf("%s: group id = %d, want 1", r.Path, r.GroupID)
			}
		default:
			if r.GroupID != 0 {
				t.Errorf("%s: group id = %d, want 0", r.Path, r.GroupID)
			}
		}
	}
}

func TestEvaluateBlurMethods(t *testing.T) {
	// a has the worst Laplacian variance, b the worst high-frequency
	// ratio. The conjunctive rule flags neither; the single-signal rules
	// flag exactly their own worst image.
	build := func() *Session {
		return sessionWith(
			record("a.jpg", distinctBits[0], 100, 100, map[string]float64{metrics.MetricVOL: 1, metrics.MetricHFR: 0.5}, 10),
			record("b.jpg", distinctBits[1], 100, 100, map[string]float64{metrics.MetricVOL: 2, metrics.MetricHFR: 0.1}, 10),
			record("c.jpg", distinctBits[2], 100, 100, map[string]float64{metrics.MetricVOL: 3, metrics.MetricHFR: 0.3}, 10),
			record("d.jpg", distinctBits[3], 100, 100, map[string]float64{metrics.MetricVOL: 4, metrics.MetricHFR: 0.4}, 10),
			record("e.jpg", distinctBits[4], 100, 100, map[string]float64{metrics.MetricVOL: 5, metrics.MetricHFR: 0.2}, 10),
		)
	}

	tests := []struct {
		method BlurMethod
		flaggy map[string]bool
	}{
		{BlurVOLPlusHFR, map[string]bool{}},
		{BlurVOL, map[string]bool{"a.jpg": true}},
		{BlurHFR, map[string]bool{"b.jpg": true}},
	}
	for _, tt := range tests {
		res, err := build().Evaluate(context.Background(), RunParams{
			SimilarityThreshold: 5,
			BlurMethod:          tt.method,
			BlurPercentile:      20,
			EnableBlur:          true,
		})
		if err != nil {
			t.Fatalf("%s: Evaluate: %v", tt.method, err)
		}
		for _, r := range res.Records {
			wantBlurry := tt.flaggy[r.Path]
			gotBlurry := r.Decision == DecisionBlurry
			if gotBlurry != wantBlurry {
				t.Errorf("%s %s: blurry = %v, want %v", tt.method, r.Path, gotBlurry, wantBlurry)
			}
		}
	}
}

func TestEvaluateNoisePercentile(t *testing.T) {
	// Ten images, jpeg_block 1..10, 80th percentile. The threshold
	// interpolates to 8.2; exactly the two images above it are flagged.
	// var_flat is constant across the batch so it flags nothing extra.
	records := make([]*ImageRecord, 10)
	for i := range records {
		records[i] = record(
			string(rune('a'+i))+".jpg", distinctBits[i%5]^uint64(i)<<32, 100, 100,
			map[string]float64{
				metrics.MetricJPEGBlock: float64(i + 1),
				metrics.MetricVarFlat:   0.5,
			}, 10)
	}
	// Defeat grouping entirely for this test.
	s := sessionWith(records...)

	res, err := s.Evaluate(context.Background(), RunParams{
		SimilarityThreshold: 0,
		NoisePercentile:     80,
		EnableNoise:         true,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	var noisy []string
	for _, r := range res.Records {
		if r.Decision == DecisionNoisy {
			noisy = append(noisy, r.Path)
		}
	}
	if len(noisy) != 2 {
		t.Fatalf("noisy count = %d (%v), want 2", len(noisy), noisy)
	}
	if noisy[0] != "i.jpg" || noisy[1] != "j.jpg" {
		t.Errorf("noisy = %v, want [i.jpg j.jpg]", noisy)
	}

	threshold, ok := res.Thresholds.Lookup(metrics.MetricJPEGBlock)
	if !ok {
		t.Fatal("jpeg_block threshold missing")
	}
	if math.Abs(threshold.Value-8.2) > 1e-9 {
		t.Errorf("jpeg_block threshold = %v, want 8.2", threshold.Value)
	}
}

func TestEvaluateLowTextureGuard(t *testing.T) {
	// Median intensity variance below epsilon disables blur flags even
	// when a record sits in the bad tail of both sharpness metrics.
	s := sessionWith(
		record("a.jpg", distinctBits[0], 100, 100, map[string]float64{metrics.MetricVOL: 1, metrics.MetricHFR: 0.1}, 0.2),
		record("b.jpg", distinctBits[1], 100, 100, map[string]float64{metrics.MetricVOL: 5, metrics.MetricHFR: 0.5}, 0.3),
		record("c.jpg", distinctBits[2], 100, 100, map[string]float64{metrics.MetricVOL: 6, metrics.MetricHFR: 0.6}, 0.4),
	)

	res, err := s.Evaluate(context.Background(), RunParams{
		SimilarityThreshold: 5,
		BlurMethod:          BlurVOLPlusHFR,
		BlurPercentile:      50,
		EnableBlur:          true,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.LowTexture {
		t.Error("LowTexture = false, want true")
	}
	for _, r := range res.Records {
		if r.Decision != DecisionKeep {
			t.Errorf("%s: decision = %s, want keep", r.Path, r.Decision)
		}
	}
}

func TestEvaluateEmptyBatch(t *testing.T) {
	skipped := &ImageRecord{Path: "broken.jpg", Decision: DecisionSkipped, Err: &DecodeError{Path: "broken.jpg", Err: errors.New("bad header")}}
	s := sessionWith(skipped)

	_, err := s.Evaluate(context.Background(), RunParams{SimilarityThreshold: 5, BlurPercentile: 20, EnableBlur: true})
	if !errors.Is(err, calibrate.ErrEmptyBatch) {
		t.Errorf("error = %v, want ErrEmptyBatch", err)
	}

	// With quality rules off, an unreadable batch is not an error.
	res, err := s.Evaluate(context.Background(), RunParams{SimilarityThreshold: 5})
	if err != nil {
		t.Fatalf("Evaluate without quality rules: %v", err)
	}
	if len(res.Groups) != 0 {
		t.Errorf("groups = %d, want 0", len(res.Groups))
	}
	if len(res.Records) != 1 || !res.Records[0].Skipped() {
		t.Error("skipped record should survive into the result")
	}
}

func writeNoisePNG(t *testing.T, path string, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	writePNG(t, path, img)
}

func writeFlatPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	writePNG(t, path, img)
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestExtractAndEvaluateFiles(t *testing.T) {
	dir := t.TempDir()
	dup1 := filepath.Join(dir, "dup1.png")
	dup2 := filepath.Join(dir, "dup2.png")
	flat := filepath.Join(dir, "flat.png")
	broken := filepath.Join(dir, "broken.jpg")

	writeNoisePNG(t, dup1, 1)
	writeNoisePNG(t, dup2, 1)
	writeFlatPNG(t, flat)
	if err := os.WriteFile(broken, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewSession(testLogger(), metrics.DefaultRegistry(), fingerprint.MethodPHash, 2, nil)
	var progressed atomic.Int64
	if err := s.Extract(context.Background(), []string{dup1, dup2, flat, broken}, func() { progressed.Add(1) }); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if progressed.Load() != 4 {
		t.Errorf("progress calls = %d, want 4", progressed.Load())
	}

	records := s.Records()
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}
	byPath := make(map[string]*ImageRecord)
	for _, r := range records {
		byPath[r.Path] = r
	}
	if !byPath[broken].Skipped() {
		t.Error("unreadable file should be skipped")
	}
	var dErr *DecodeError
	if !errors.As(byPath[broken].Err, &dErr) {
		t.Errorf("skipped record error = %T, want *DecodeError", byPath[broken].Err)
	}
	if byPath[dup1].Width != 64 || byPath[dup1].Height != 64 {
		t.Errorf("dimensions = %dx%d, want 64x64", byPath[dup1].Width, byPath[dup1].Height)
	}
	if byPath[dup1].Fingerprint.Bits != byPath[dup2].Fingerprint.Bits {
		t.Error("identical files should share a fingerprint")
	}

	res, err := s.Evaluate(context.Background(), RunParams{SimilarityThreshold: 5})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(res.Groups))
	}
	g := res.Groups[0]
	if g.Size() != 2 {
		t.Fatalf("group size = %d, want 2", g.Size())
	}
	// Identical resolution and file size; lexicographically smaller path wins.
	if g.Representative().Path != dup1 {
		t.Errorf("representative = %s, want %s", g.Representative().Path, dup1)
	}
	if byPath[dup2].Decision != DecisionDuplicate {
		t.Errorf("dup2 decision = %s, want duplicate_remove", byPath[dup2].Decision)
	}
	if byPath[flat].Decision != DecisionKeep || byPath[flat].GroupID != 0 {
		t.Errorf("flat: decision = %s group = %d, want keep 0", byPath[flat].Decision, byPath[flat].GroupID)
	}
}

type fakeCache struct {
	entries map[string]*cache.Entry
	gets    int
	hits    int
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*cache.Entry)}
}

func (c *fakeCache) Get(path string, size int64, modTime time.Time) (*cache.Entry, error) {
	c.gets++
	e, ok := c.entries[path]
	if !ok || e.Size != size || !e.ModTime.Equal(modTime) {
		return nil, nil
	}
	c.hits++
	return e, nil
}

func (c *fakeCache) Put(e *cache.Entry) error {
	c.puts++
	c.entries[e.Path] = e
	return nil
}

func TestExtractUsesCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "img.png")
	writeNoisePNG(t, path, 7)

	store := newFakeCache()
	s := NewSession(testLogger(), metrics.DefaultRegistry(), fingerprint.MethodPHash, 1, store)

	if err := s.Extract(context.Background(), []string{path}, nil); err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	first := s.Records()[0]
	if store.puts != 1 {
		t.Fatalf("puts after first pass = %d, want 1", store.puts)
	}

	if err := s.Extract(context.Background(), []string{path}, nil); err != nil {
		t.Fatalf("second Extract: %v", err)
	}
	second := s.Records()[0]
	if store.hits != 1 {
		t.Errorf("cache hits = %d, want 1", store.hits)
	}
	if store.puts != 1 {
		t.Errorf("puts after second pass = %d, want 1 (hit must not re-store)", store.puts)
	}
	if second.Fingerprint.Bits != first.Fingerprint.Bits {
		t.Error("cached fingerprint differs from computed one")
	}
	for name, v := range first.Scores {
		if second.Scores[name] != v {
			t.Errorf("cached score %s = %v, want %v", name, second.Scores[name], v)
		}
	}
}

func TestRescannerLatestWins(t *testing.T) {
	s := sessionWith(
		record("a.jpg", 0, 100, 100, map[string]float64{metrics.MetricVOL: 1}, 10),
		record("b.jpg", 0, 100, 100, map[string]float64{metrics.MetricVOL: 2}, 10),
	)
	r := NewRescanner(s)
	defer r.Stop()

	type published struct {
		tag string
		res *Result
		err error
	}
	out := make(chan published, 2)

	// Hold the session lock so the first evaluation cannot start before
	// the second request supersedes it.
	s.mu.Lock()
	r.Request(RunParams{SimilarityThreshold: 0}, func(res *Result, err error) {
		out <- published{"first", res, err}
	})
	r.Request(RunParams{SimilarityThreshold: 5}, func(res *Result, err error) {
		out <- published{"second", res, err}
	})
	s.mu.Unlock()

	select {
	case p := <-out:
		if p.tag != "second" {
			t.Fatalf("published request = %s, want second", p.tag)
		}
		if p.err != nil {
			t.Fatalf("publish error: %v", p.err)
		}
		if len(p.res.Groups) != 1 {
			t.Errorf("groups = %d, want 1", len(p.res.Groups))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result published")
	}

	select {
	case p := <-out:
		t.Fatalf("superseded request %s still published", p.tag)
	case <-time.After(100 * time.Millisecond):
	}
}
