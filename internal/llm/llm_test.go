package llm

import (
	"context"
	"errors"
	"testing"
)

func TestMockClientSequence(t *testing.T) {
	mock := NewMockClient(
		MockResponse{Content: "first"},
		MockResponse{Content: "second"},
	)

	resp, err := mock.Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if resp.Content != "first" {
		t.Errorf("Content = %q, want first", resp.Content)
	}

	resp, _ = mock.Chat(context.Background(), ChatRequest{Model: "m"})
	if resp.Content != "second" {
		t.Errorf("Content = %q, want second", resp.Content)
	}

	// Exhausted sequences repeat the last response.
	resp, _ = mock.Chat(context.Background(), ChatRequest{Model: "m"})
	if resp.Content != "second" {
		t.Errorf("Content = %q, want repeated second", resp.Content)
	}

	if got := len(mock.Calls()); got != 3 {
		t.Errorf("Calls = %d, want 3", got)
	}
}

func TestMockClientError(t *testing.T) {
	wantErr := errors.New("backend down")
	mock := NewMockClient(MockResponse{Error: wantErr})

	_, err := mock.Chat(context.Background(), ChatRequest{Model: "m"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestMockClientHonorsContext(t *testing.T) {
	mock := NewMockClient(MockResponse{Content: "never"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mock.Chat(ctx, ChatRequest{Model: "m"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Chat error = %v, want context.Canceled", err)
	}
}

func TestMockClientReset(t *testing.T) {
	mock := NewMockClient(MockResponse{Content: "a"}, MockResponse{Content: "b"})

	mock.Chat(context.Background(), ChatRequest{})
	mock.Reset()

	resp, err := mock.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if resp.Content != "a" {
		t.Errorf("Content after Reset = %q, want a", resp.Content)
	}
	if got := len(mock.Calls()); got != 1 {
		t.Errorf("Calls after Reset = %d, want 1", got)
	}
}
