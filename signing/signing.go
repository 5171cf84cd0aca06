// Package signing is the signature adapter: ingest and emit of Signature
// rows bound to a Manifest digest, and a background task that shells out
// to an external signer command for new signatures. The signer's actual
// cryptography lives outside this module; only the adapter boundary is
// implemented here.
package signing

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/taskrun"
)

// Adapter wires ContentGraph signature storage to an external signer
// command and the TaskRuntime.
type Adapter struct {
	graph   *contentgraph.Graph
	runtime *taskrun.Runtime

	// SignerCommand is the path + argument template for the external
	// signer script (signing.command in configuration). Arguments are passed as
	// exec.Command(SignerCommand[0], append(SignerCommand[1:],
	// manifestDigest.String())...); the signer is expected to write the raw
	// signature payload to stdout.
	SignerCommand []string
}

func New(graph *contentgraph.Graph, runtime *taskrun.Runtime, signerCommand []string) *Adapter {
	return &Adapter{graph: graph, runtime: runtime, SignerCommand: signerCommand}
}

// Ingest validates sigType and records payload as a Signature bound to
// manifestDigest, via ContentGraph.
func (a *Adapter) Ingest(ctx context.Context, manifestDigest digest.Digest, sigType registry.SignatureType, payload []byte) (*registry.Signature, error) {
	return a.graph.IngestSignature(ctx, manifestDigest, sigType, payload)
}

// Emit returns every signature stored for manifestDigest.
func (a *Adapter) Emit(manifestDigest digest.Digest) []*registry.Signature {
	return a.graph.EmitSignatures(manifestDigest)
}

// RequestSigning submits a KindSign task that invokes the external signer
// for manifestDigest and ingests whatever it produces. Invocation failure
// (non-zero exit, malformed payload) fails the task without ingesting a
// partial signature.
func (a *Adapter) RequestSigning(ctx context.Context, manifestDigest digest.Digest, sigType registry.SignatureType) *taskrun.Task {
	resources := []taskrun.ResourceKey{taskrun.ResourceKey("manifest-signature:" + manifestDigest.String())}
	return a.runtime.Submit(ctx, taskrun.KindSign, resources, func(ctx context.Context, p *taskrun.Progress) error {
		if len(a.SignerCommand) == 0 {
			return fmt.Errorf("signing: no signer_command configured")
		}
		p.Note("invoking external signer")

		args := append(append([]string(nil), a.SignerCommand[1:]...), manifestDigest.String())
		cmd := exec.CommandContext(ctx, a.SignerCommand[0], args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("signing: signer command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		}

		payload := stdout.Bytes()
		if len(payload) == 0 {
			return fmt.Errorf("signing: signer command produced no payload")
		}

		if _, err := a.Ingest(ctx, manifestDigest, sigType, payload); err != nil {
			return err
		}
		p.Set(1, 1)
		return nil
	})
}
