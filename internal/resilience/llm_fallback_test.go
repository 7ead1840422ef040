package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/vocalia-ai/vocalia/pkg/provider/llm"
	llmmock "github.com/vocalia-ai/vocalia/pkg/provider/llm/mock"
	sttmock "github.com/vocalia-ai/vocalia/pkg/provider/stt/mock"
	"github.com/vocalia-ai/vocalia/pkg/provider/stt"
)

func TestLLMFallbackUsesPrimaryWhenHealthy(t *testing.T) {
	primary := llmmock.New("from primary")
	backup := llmmock.New("from backup")
	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(backup.Requests) != 0 {
		t.Errorf("backup received %d requests", len(backup.Requests))
	}
}

func TestLLMFallbackFailsOver(t *testing.T) {
	primary := llmmock.New()
	primary.Err = errors.New("upstream down")
	backup := llmmock.New("from backup")
	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestLLMFallbackAllFail(t *testing.T) {
	primary := llmmock.New()
	primary.Err = errors.New("down")
	backup := llmmock.New()
	backup.Err = errors.New("also down")
	f := NewLLMFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestSTTFallbackFailsOver(t *testing.T) {
	primary := sttmock.New()
	primary.Err = errors.New("down")
	backup := sttmock.New("backup transcript")
	f := NewSTTFallback(primary, "primary", FallbackConfig{})
	f.AddFallback("backup", backup)

	tr, err := f.Transcribe(context.Background(), stt.AudioSegment{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "backup transcript" {
		t.Errorf("text = %q", tr.Text)
	}
}
