package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

func sampleOutcomes() []candidate.Outcome {
	return []candidate.Outcome{
		{
			Unit: "src/a.cc", RunID: "run-1", Kind: candidate.OutcomeSucceeded, Attempts: 4,
			Coverage: &candidate.CoverageSummary{LinesFound: 10, LinesHit: 5, Percent: 50},
		},
		{
			Unit: "src/b.cc", RunID: "run-1", Kind: candidate.OutcomeExhausted, Attempts: 9,
			RepairCycles: 2, GuardFirings: 2, Detail: "repair_budget_exhausted",
			Diagnostic: &candidate.Diagnostic{Kind: candidate.FailureLinkError, Location: "b_test.cc:3", Text: "undefined reference to `Foo()'"},
		},
		{
			Unit: "src/c.cc", RunID: "run-1", Kind: candidate.OutcomeAborted, Reason: candidate.ReasonEmptyGeneration,
			Detail: "no usable generation after 3 requests",
		},
		{
			Unit: "src/d.cc", RunID: "run-0", Kind: candidate.OutcomeSucceeded, Attempts: 4, Resumed: true,
			Coverage: &candidate.CoverageSummary{LinesFound: 30, LinesHit: 30, Percent: 100},
		},
	}
}

func TestSummarize(t *testing.T) {
	r := Summarize(sampleOutcomes())

	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, 4, r.Total)
	assert.Equal(t, 2, r.Succeeded)
	assert.Equal(t, 1, r.Exhausted)
	assert.Equal(t, 1, r.Aborted)
	assert.Equal(t, 1, r.Resumed)
	assert.Equal(t, map[string]int{"empty_generation": 1}, r.AbortReasons)
	assert.Equal(t, map[string]int{"link_error": 1}, r.FailureKinds)
	assert.Equal(t, 2, r.RepairCycles)
	assert.Equal(t, 2, r.GuardFirings)

	require.NotNil(t, r.Coverage)
	assert.Equal(t, 2, r.Coverage.Units)
	assert.Equal(t, 40, r.Coverage.LinesFound)
	assert.Equal(t, 35, r.Coverage.LinesHit)
	assert.InDelta(t, 87.5, r.Coverage.Percent, 0.001)

	require.Len(t, r.Units, 4)
	assert.Equal(t, "src/a.cc", r.Units[0].Unit)
	assert.Empty(t, r.Units[0].Diagnostic)
	assert.Equal(t, "link_error", r.Units[1].FailureKind)
	assert.Equal(t, "b_test.cc:3", r.Units[1].Location)
	assert.Equal(t, 9, r.Units[1].Attempts)
	assert.Contains(t, r.Units[1].Diagnostic, "undefined reference")
	assert.Equal(t, "empty_generation", r.Units[2].Reason)
}

func TestSummarizeIsPure(t *testing.T) {
	in := sampleOutcomes()
	a := Summarize(in)
	b := Summarize(in)
	assert.Equal(t, a, b)
	assert.Equal(t, sampleOutcomes(), in)
}

func TestSummarizeEmpty(t *testing.T) {
	r := Summarize(nil)
	assert.Zero(t, r.Total)
	assert.Nil(t, r.Coverage)
	assert.Empty(t, r.Units)
	assert.Equal(t, ExitOK, r.ExitCode())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []candidate.Outcome
		want     int
	}{
		{
			name:     "all succeeded",
			outcomes: []candidate.Outcome{{Kind: candidate.OutcomeSucceeded}, {Kind: candidate.OutcomeSucceeded}},
			want:     ExitOK,
		},
		{
			name:     "one exhausted",
			outcomes: []candidate.Outcome{{Kind: candidate.OutcomeSucceeded}, {Kind: candidate.OutcomeExhausted}},
			want:     ExitAttention,
		},
		{
			name:     "cancelled",
			outcomes: []candidate.Outcome{{Kind: candidate.OutcomeAborted, Reason: candidate.ReasonCancelled}},
			want:     ExitAttention,
		},
		{
			name: "every unit internal error",
			outcomes: []candidate.Outcome{
				{Kind: candidate.OutcomeAborted, Reason: candidate.ReasonInternalError},
				{Kind: candidate.OutcomeAborted, Reason: candidate.ReasonInternalError},
			},
			want: ExitInternal,
		},
		{
			name: "some internal errors",
			outcomes: []candidate.Outcome{
				{Kind: candidate.OutcomeAborted, Reason: candidate.ReasonInternalError},
				{Kind: candidate.OutcomeSucceeded},
			},
			want: ExitAttention,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.outcomes).ExitCode())
		})
	}
}

func TestAttention(t *testing.T) {
	r := Summarize(sampleOutcomes())
	var units []string
	for _, u := range r.Attention() {
		units = append(units, u.Unit)
	}
	assert.Equal(t, []string{"src/b.cc", "src/c.cc"}, units)
}

func TestWriteFormats(t *testing.T) {
	r := Summarize(sampleOutcomes())

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, r, FormatJSON))
	var fromJSON Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	assert.Equal(t, r.Total, fromJSON.Total)
	assert.Equal(t, r.Units[1].FailureKind, fromJSON.Units[1].FailureKind)

	buf.Reset()
	require.NoError(t, Write(&buf, r, FormatYAML))
	var fromYAML Report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, r.Exhausted, fromYAML.Exhausted)
	assert.Equal(t, r.AbortReasons, fromYAML.AbortReasons)

	buf.Reset()
	require.NoError(t, Write(&buf, r, FormatTable))
	out := buf.String()
	for _, want := range []string{"testfactory report", "src/a.cc", "src/b.cc", "link_error at b_test.cc:3", "empty_generation", "50.0% coverage", "(reused)"} {
		assert.Contains(t, out, want)
	}

	assert.Error(t, Write(&buf, r, Format("xml")))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "table": FormatTable, "JSON": FormatJSON, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("csv")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate(strings.Repeat("x", 20), 10)
	assert.Equal(t, 10, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

type fakeObjects struct {
	mu      sync.Mutex
	exists  bool
	made    []string
	objects map[string]string
	types   map[string]string
	failPut bool
}

func (f *fakeObjects) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.exists, nil
}

func (f *fakeObjects) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made = append(f.made, bucket)
	f.exists = true
	return nil
}

func (f *fakeObjects) PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.failPut {
		return minio.UploadInfo{}, errors.New("access denied")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string]string{}
		f.types = map[string]string{}
	}
	f.objects[bucket+"/"+object] = string(data)
	f.types[bucket+"/"+object] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func (f *fakeObjects) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestPublish(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.cc.gcov.html"), []byte("<html>a</html>"), 0o644))

	objects := &fakeObjects{}
	p := newPublisher(objects, PublishOptions{Endpoint: "localhost:9000", Bucket: "reports", Prefix: "nightly"}, nil)

	key, err := p.Publish(context.Background(), Summarize(sampleOutcomes()), dir)
	require.NoError(t, err)
	assert.Equal(t, "nightly/run-1/report.json", key)
	assert.Equal(t, []string{"reports"}, objects.made)
	assert.Equal(t, []string{
		"reports/nightly/run-1/coverage/index.html",
		"reports/nightly/run-1/coverage/src/a.cc.gcov.html",
		"reports/nightly/run-1/report.json",
	}, objects.keys())
	assert.Equal(t, "application/json", objects.types["reports/nightly/run-1/report.json"])

	var stored Report
	require.NoError(t, json.Unmarshal([]byte(objects.objects["reports/"+key]), &stored))
	assert.Equal(t, 4, stored.Total)
}

func TestPublishPutError(t *testing.T) {
	p := newPublisher(&fakeObjects{exists: true, failPut: true}, PublishOptions{Endpoint: "e", Bucket: "b"}, nil)
	_, err := p.Publish(context.Background(), Report{RunID: "r"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestPublishOptionsValidate(t *testing.T) {
	assert.Error(t, PublishOptions{}.Validate())
	assert.Error(t, PublishOptions{Endpoint: "x"}.Validate())
	assert.NoError(t, PublishOptions{Endpoint: "x", Bucket: "b"}.Validate())

	_, err := NewPublisher(PublishOptions{}, nil)
	assert.Error(t, err)
}
