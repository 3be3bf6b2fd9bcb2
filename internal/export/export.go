package export

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/born-ml/diffusion/internal/sampler"
	"github.com/born-ml/diffusion/internal/tensor"
)

// Options control what Encode writes.
type Options struct {
	// Half packs tensors as float16.
	Half bool

	// Method names the sampling method.
	Method string

	// Config is stored verbatim.
	Config []byte

	// Extra tensors, such as the ground truth and measurement of an
	// inverse problem, written after the sample and trajectory.
	Extra map[string]*tensor.Tensor

	// Now stamps the document; time.Now when zero.
	Now time.Time
}

// encMode writes canonical CBOR so identical results encode identically.
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Build converts a result to a document.
func Build(res *sampler.Result, opts Options) *Document {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	doc := &Document{
		Magic:     Magic,
		Version:   FormatVersion,
		RunID:     res.RunID.String(),
		Seed:      res.Seed,
		Method:    opts.Method,
		CreatedAt: now.UTC(),
		Config:    string(opts.Config),
		Stats: Stats{
			PredictorCalls: res.Stats.PredictorCalls,
			CorrectorCalls: res.Stats.CorrectorCalls,
			GuidanceCalls:  res.Stats.GuidanceCalls,
			ScoreEvals:     res.Stats.ScoreEvals,
			JVPs:           res.Stats.JVPs,
			DurationMillis: res.Duration.Milliseconds(),
		},
		Times:    res.Times,
		Diverged: res.Diverged,
	}
	if res.Particles != nil {
		doc.LogWeights = res.Particles.LogWeights
	}

	doc.Tensors = append(doc.Tensors, pack("sample", res.Sample, opts.Half))
	for i, x := range res.Trajectory {
		doc.Tensors = append(doc.Tensors, pack("trajectory/"+strconv.Itoa(i), x, opts.Half))
	}
	if res.Best != nil {
		shape := tensor.Shape{1, len(res.Best)}
		if res.Sample != nil && res.Sample.RowSize() == len(res.Best) {
			shape = res.Sample.Shape().WithBatch(1)
		}
		best := tensor.Zeros(shape)
		copy(best.Row(0), res.Best)
		doc.Tensors = append(doc.Tensors, pack("best", best, opts.Half))
		doc.BestValue = res.BestValue
	}
	for _, name := range slices.Sorted(maps.Keys(opts.Extra)) {
		doc.Tensors = append(doc.Tensors, pack(name, opts.Extra[name], opts.Half))
	}
	doc.Checksum = checksum(doc.Tensors)
	return doc
}

// Encode writes res as a CBOR document.
func Encode(w io.Writer, res *sampler.Result, opts Options) error {
	if err := encMode.NewEncoder(w).Encode(Build(res, opts)); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// Decode reads a document and verifies its format and checksum.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := cbor.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if doc.Magic != Magic {
		return nil, ErrInvalidMagic
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	if !bytes.Equal(checksum(doc.Tensors), doc.Checksum) {
		return nil, ErrChecksumMismatch
	}
	return &doc, nil
}

// WriteFile encodes res to path.
func WriteFile(path string, res *sampler.Result, opts Options) error {
	//nolint:gosec // G304: output path is user supplied
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := Encode(f, res, opts); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFile decodes the document at path.
func ReadFile(path string) (*Document, error) {
	//nolint:gosec // G304: input path is user supplied
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// checksum is the SHA-256 over tensor names, dtypes, shapes and payloads
// in document order.
func checksum(ts []Tensor) []byte {
	h := sha256.New()
	for _, t := range ts {
		_, _ = fmt.Fprintf(h, "%s\x00%s\x00%v\x00", t.Name, t.DType, t.Shape)
		_, _ = h.Write(t.Data)
	}
	return h.Sum(nil)
}
