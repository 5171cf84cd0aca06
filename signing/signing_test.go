package signing

import (
	"context"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/objectstore"
	"github.com/opencrate/registry/internal/objectstore/filesystem"
	"github.com/opencrate/registry/internal/taskrun"
)

func newTestAdapter(t *testing.T, signerCommand []string) *Adapter {
	t.Helper()
	store := objectstore.New(filesystem.New(t.TempDir()))
	graph := contentgraph.New(store)
	runtime := taskrun.New(4, 0)
	return New(graph, runtime, signerCommand)
}

func TestIngestAndEmit(t *testing.T) {
	a := newTestAdapter(t, nil)
	ctx := context.Background()
	manifestDigest := digest.FromBytes([]byte("manifest bytes"))

	sig, err := a.Ingest(ctx, manifestDigest, registry.SignatureTypeAtomic, []byte("signature payload"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if sig.Type != registry.SignatureTypeAtomic {
		t.Fatalf("expected atomic signature type, got %v", sig.Type)
	}

	got := a.Emit(manifestDigest)
	if len(got) != 1 || got[0].ManifestDigest != manifestDigest {
		t.Fatalf("expected one signature bound to %s, got %+v", manifestDigest, got)
	}
}

func TestRequestSigningInvokesExternalSigner(t *testing.T) {
	manifestDigest := digest.FromBytes([]byte("signed manifest"))
	// The external signer script is expected to write the raw signature
	// payload to stdout; "echo" stands in for a real signer here.
	a := newTestAdapter(t, []string{"echo", "-n", "fake-signature-bytes"})

	task := a.RequestSigning(context.Background(), manifestDigest, registry.SignatureTypeCosign)
	if err := task.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if task.State() != taskrun.StateCompleted {
		t.Fatalf("expected the signing task to complete, got %v (err=%v)", task.State(), task.Err())
	}

	sigs := a.Emit(manifestDigest)
	if len(sigs) != 1 {
		t.Fatalf("expected one signature ingested from the signer output, got %d", len(sigs))
	}
}

func TestRequestSigningFailsWithoutSignerCommand(t *testing.T) {
	manifestDigest := digest.FromBytes([]byte("no signer"))
	a := newTestAdapter(t, nil)

	task := a.RequestSigning(context.Background(), manifestDigest, registry.SignatureTypeAtomic)
	task.Wait(context.Background())
	if task.State() != taskrun.StateFailed {
		t.Fatalf("expected the signing task to fail with no signer_command configured, got %v", task.State())
	}
}
