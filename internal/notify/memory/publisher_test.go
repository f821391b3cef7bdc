package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "dead-letters", map[string]string{"job_id": "j1"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id != "memory-1" {
		t.Fatalf("unexpected id %s", id)
	}
	p.FailWith(errors.New("down"))
	if _, err := p.Publish(context.Background(), "dead-letters", nil); err == nil {
		t.Fatal("expected injected error")
	}
	msgs := p.Messages()
	if len(msgs) != 1 || msgs[0].Topic != "dead-letters" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}
