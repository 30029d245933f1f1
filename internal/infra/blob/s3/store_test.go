package s3

import (
	"aquasim/internal/blob/core"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
)

func TestListFollowsContinuationTokens(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("checkpoints/r1/%06d.json", 5-i)
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("{}")), core.PutOptions{ContentType: "application/json"}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.Put(ctx, "checkpoints/r2/000001.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := store.List(ctx, "checkpoints/r1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 5 || list[0].Key != "checkpoints/r1/000001.json" || list[4].Key != "checkpoints/r1/000005.json" {
		t.Fatalf("unexpected listing %+v", list)
	}
	if list[0].Size != 2 {
		t.Fatalf("size not parsed: %+v", list[0])
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
	if store := NewMockForTests(); store.Bucket() != MockBucket {
		t.Fatalf("unexpected bucket %s", store.Bucket())
	}
}

func TestDecodeChunked(t *testing.T) {
	body, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	if !ok || string(body) != "hello" {
		t.Fatalf("decode: %q %v", body, ok)
	}
	if _, ok := decodeChunked([]byte(`{"plain":true}`)); ok {
		t.Fatalf("plain body must not decode")
	}
}

func TestPutSpoolsUnseekableReaders(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	payload := bytes.Repeat([]byte("row,"), 4096)
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < len(payload); i += 1000 {
			_, _ = pw.Write(payload[i:min(i+1000, len(payload))])
		}
		_ = pw.Close()
	}()
	info, err := store.Put(ctx, "exports/r1/facts.csv", pr, core.PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) {
		t.Fatalf("size %d, want %d", info.Size, len(payload))
	}
	_, rc, err := store.Get(ctx, "exports/r1/facts.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("round trip: %d bytes, %v", len(got), err)
	}
}
