package finalize

import (
	"context"
	"errors"
	"testing"

	"gocloud.dev/blob/memblob"
)

func TestBlobResolver_Formats(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	r := NewBlobResolver(bucket, "outputs/")
	defer r.Close()

	if err := bucket.WriteAll(ctx, "outputs/flat.json", []byte(`{"KnowledgeBaseId":"kb-1","DataSource0":"ds-0"}`), nil); err != nil {
		t.Fatal(err)
	}
	if err := bucket.WriteAll(ctx, "outputs/cfn.json", []byte(`[{"OutputKey":"KnowledgeBaseId","OutputValue":"kb-2"}]`), nil); err != nil {
		t.Fatal(err)
	}

	flat, err := r.StackOutputs(ctx, "flat")
	if err != nil {
		t.Fatalf("StackOutputs(flat): %v", err)
	}
	if flat["DataSource0"] != "ds-0" {
		t.Errorf("flat = %v, want DataSource0=ds-0", flat)
	}

	cfn, err := r.StackOutputs(ctx, "cfn")
	if err != nil {
		t.Fatalf("StackOutputs(cfn): %v", err)
	}
	if cfn["KnowledgeBaseId"] != "kb-2" {
		t.Errorf("cfn = %v, want KnowledgeBaseId=kb-2", cfn)
	}
}

func TestBlobResolver_MissingAndEmpty(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	r := NewBlobResolver(bucket, "")
	defer r.Close()

	if _, err := r.StackOutputs(ctx, "absent"); err == nil {
		t.Error("expected error for missing stack")
	}

	if err := bucket.WriteAll(ctx, "empty.json", []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.StackOutputs(ctx, "empty"); !errors.Is(err, ErrNoOutputs) {
		t.Errorf("err = %v, want ErrNoOutputs", err)
	}
}

func TestOpenBlobResolver_MemURL(t *testing.T) {
	r, err := OpenBlobResolver(context.Background(), "mem://", "")
	if err != nil {
		t.Fatalf("OpenBlobResolver: %v", err)
	}
	r.Close()
}

func TestFinalizer_WithBlobOutputs(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	if err := bucket.WriteAll(ctx, "BrChatKbStackb9.json", []byte(`{"KnowledgeBaseId":"kb-9","DataSourceMain":"ds-9"}`), nil); err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{}
	f := New(NewBlobResolver(bucket, ""), store, Options{})
	res, err := f.FinalizeCustomBot(ctx, modelsBot("u", "b9"))
	if err != nil {
		t.Fatalf("FinalizeCustomBot: %v", err)
	}
	if res.KnowledgeBaseID != "kb-9" || len(res.DataSources) != 1 {
		t.Errorf("result = %+v, want kb-9 with one data source", res)
	}
}
