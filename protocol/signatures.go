package protocol

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
)

// signatureDispatcher serves GET/PUT /extensions/v2/{name}/signatures/{digest},
// the Docker signature extension API the Synchronizer also uses as its
// first discovery mechanism.
func signatureDispatcher(ctx *Context, r *http.Request) http.Handler {
	switch r.Method {
	case http.MethodGet:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { getSignatures(ctx, w, r) })
	case http.MethodPut:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { putSignature(ctx, w, r) })
	default:
		return nil
	}
}

type signatureEntry struct {
	Content []byte `json:"content"`
}

type signaturesResponse struct {
	Signatures []signatureEntry `json:"signatures"`
}

func getSignatures(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "pull"); err != nil {
		ctx.AddError(err)
		return
	}
	d, err := digest.Parse(ctx.Digest)
	if err != nil {
		ctx.AddError(registry.ErrDigestInvalid)
		return
	}

	sigs := ctx.App.Signing.Emit(d)
	resp := signaturesResponse{Signatures: make([]signatureEntry, 0, len(sigs))}
	for _, sig := range sigs {
		rc, err := ctx.App.Graph.GetBlob(r.Context(), sig.PayloadDigest)
		if err != nil {
			continue
		}
		payload, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		resp.Signatures = append(resp.Signatures, signatureEntry{Content: payload})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

type putSignatureRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"` // base64, matching the Docker extension wire shape
}

func putSignature(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "push"); err != nil {
		ctx.AddError(err)
		return
	}
	d, err := digest.Parse(ctx.Digest)
	if err != nil {
		ctx.AddError(registry.ErrDigestInvalid)
		return
	}

	raw, err := readAllCapped(r.Body, maxPayloadBytesDefault)
	if err != nil {
		ctx.AddError(registry.ErrSizeInvalid)
		return
	}
	var req putSignatureRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		ctx.AddError(registry.NewError(registry.KindValidation, "malformed signature payload", nil))
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		ctx.AddError(registry.NewError(registry.KindValidation, "signature content is not valid base64", nil))
		return
	}

	sigType := registry.SignatureType(req.Type)
	if sigType == "" {
		sigType = registry.SignatureTypeAtomic
	}
	if _, err := ctx.App.Signing.Ingest(r.Context(), d, sigType, payload); err != nil {
		ctx.AddError(err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
