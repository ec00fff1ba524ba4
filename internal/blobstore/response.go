package blobstore

import (
	"errors"
	"fmt"

	"github.com/alexjbarnes/vault-bridge/internal/models"
	"github.com/tidwall/gjson"
)

var errUnrecognisedResponse = errors.New("unrecognised store response")

// parseStoreResponse decodes a publisher reply. Publishers answer with
// one of two shapes:
//
//	{"alreadyCertified": {"blobId": ..., "endEpoch": ..., "event": {"txDigest": ...}}}
//	{"newlyCreated": {"blobObject": {"id": ..., "blobId": ..., "storage": {"endEpoch": ...}}}}
func parseStoreResponse(body []byte) (*models.BlobDescriptor, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", errUnrecognisedResponse)
	}

	r := gjson.ParseBytes(body)

	if ac := r.Get("alreadyCertified"); ac.Exists() {
		blobID := ac.Get("blobId").String()
		if blobID == "" {
			return nil, fmt.Errorf("%w: alreadyCertified without blobId", errUnrecognisedResponse)
		}
		return &models.BlobDescriptor{
			Status:   models.BlobAlreadyCertified,
			BlobID:   blobID,
			EndEpoch: ac.Get("endEpoch").Uint(),
			RefType:  "event",
			Ref:      ac.Get("event.txDigest").String(),
		}, nil
	}

	if obj := r.Get("newlyCreated.blobObject"); obj.Exists() {
		blobID := obj.Get("blobId").String()
		if blobID == "" {
			return nil, fmt.Errorf("%w: newlyCreated without blobId", errUnrecognisedResponse)
		}
		return &models.BlobDescriptor{
			Status:   models.BlobNewlyCreated,
			BlobID:   blobID,
			EndEpoch: obj.Get("storage.endEpoch").Uint(),
			RefType:  "object",
			Ref:      obj.Get("id").String(),
		}, nil
	}

	return nil, errUnrecognisedResponse
}
