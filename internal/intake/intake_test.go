package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/triage-ai/proximity/internal/dedup"
	"github.com/triage-ai/proximity/internal/evidence"
	"go.uber.org/zap"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	return d
}

func TestDecoder_Valid(t *testing.T) {
	d := newTestDecoder(t)
	item, err := d.Decode([]byte(`{
		"title": "Model X reaches 71% on SWE-bench Verified",
		"summary": "leaderboard update",
		"url": "https://www.swebench.com/?utm_source=x",
		"publisher": "SWE-bench",
		"published_at": "2025-02-01T10:00:00Z",
		"source_kind": "leaderboard"
	}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if item.Publisher != "SWE-bench" || item.PublishedAt.Year() != 2025 {
		t.Errorf("unexpected item: %+v", item)
	}
	if tier, err := item.EffectiveTier(); err != nil || tier != evidence.TierA {
		t.Errorf("leaderboard should default to tier A, got %s, %v", tier, err)
	}
}

func TestDecoder_Rejects(t *testing.T) {
	d := newTestDecoder(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"title":`},
		{"missing url", `{"title": "x"}`},
		{"empty title", `{"title": "", "url": "https://a.org"}`},
		{"relative url", `{"title": "x", "url": "/news/1"}`},
		{"bad tier", `{"title": "x", "url": "https://a.org", "evidence_tier": "E"}`},
		{"bad date", `{"title": "x", "url": "https://a.org", "published_at": "yesterday"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode([]byte(tt.body))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got: %v", err)
			}
		})
	}
}

type fakeSink struct {
	batches [][]evidence.RawItem
}

func (s *fakeSink) Ingest(_ context.Context, items []evidence.RawItem) dedup.Stats {
	s.batches = append(s.batches, items)
	return dedup.Stats{Inserted: len(items)}
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, m.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func TestBatchHandler_FlushesAtMaxBatchAndOnClose(t *testing.T) {
	sink := &fakeSink{}
	h := newBatchHandler(sink, newTestDecoder(t), 2, time.Hour, zap.NewNop())

	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, 4)}
	claim.msgs <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"title":"a","url":"https://a.org"}`)}
	claim.msgs <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"title":"b","url":"https://b.org"}`)}
	claim.msgs <- &sarama.ConsumerMessage{Offset: 3, Value: []byte(`garbage`)}
	claim.msgs <- &sarama.ConsumerMessage{Offset: 4, Value: []byte(`{"title":"c","url":"https://c.org"}`)}
	close(claim.msgs)

	sess := &fakeSession{ctx: context.Background()}
	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}

	if len(sink.batches) != 2 || len(sink.batches[0]) != 2 || len(sink.batches[1]) != 1 {
		t.Fatalf("unexpected batches: %+v", sink.batches)
	}
	if len(sess.marked) != 4 {
		t.Errorf("all messages, including invalid ones, should be marked: %v", sess.marked)
	}
}

func TestBatchHandler_CancelledSessionLeavesPendingUnmarked(t *testing.T) {
	sink := &fakeSink{}
	h := newBatchHandler(sink, newTestDecoder(t), 10, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	claim := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage)}
	sess := &fakeSession{ctx: ctx}

	if err := h.ConsumeClaim(sess, claim); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(sess.marked) != 0 || len(sink.batches) != 0 {
		t.Error("nothing should be processed after cancellation")
	}
}

func TestBatchHandler_ProcessCountsInvalid(t *testing.T) {
	sink := &fakeSink{}
	h := newBatchHandler(sink, newTestDecoder(t), 10, time.Hour, zap.NewNop())

	stats := h.process(context.Background(), []*sarama.ConsumerMessage{
		{Value: []byte(`{"title":"a","url":"https://a.org"}`)},
		{Value: []byte(`{"url":"https://b.org"}`)},
	})
	if stats.Inserted != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBatchHandler_AllInvalidSkipsSink(t *testing.T) {
	sink := &fakeSink{}
	h := newBatchHandler(sink, newTestDecoder(t), 10, time.Hour, zap.NewNop())

	stats := h.process(context.Background(), []*sarama.ConsumerMessage{{Value: []byte(`[]`)}})
	if stats.Errors != 1 || len(sink.batches) != 0 {
		t.Errorf("stats = %+v, batches = %d", stats, len(sink.batches))
	}
}
