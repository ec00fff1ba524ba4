package seal

import (
	"context"
	"errors"
	"fmt"
	"testing"

	vaulterrors "github.com/alexjbarnes/vault-bridge/internal/errors"
	"github.com/alexjbarnes/vault-bridge/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testSigner() *identity.Ed25519Signer {
	seed := make([]byte, 32)
	seed[0] = 9
	return identity.FromSeed(seed)
}

// sealedBlobs returns n sealed blobs with distinct ids and their ids.
func sealedBlobs(t *testing.T, n int) ([][]byte, []string) {
	t.Helper()
	blobs := make([][]byte, n)
	ids := make([]string, n)
	for i := range n {
		id := fmt.Sprintf("%04x", i)
		blob, err := sealWith(testKey(id), id, []byte(fmt.Sprintf("note %d", i)))
		require.NoError(t, err)
		blobs[i] = blob
		ids[i] = id
	}
	return blobs, ids
}

// keysFor answers a FetchKeys call with test keys after checking the proof.
func keysFor(t *testing.T) func(context.Context, []string, string) (map[string][]byte, error) {
	return func(_ context.Context, ids []string, proof string) (map[string][]byte, error) {
		_, err := identity.VerifySessionProof(proof, ids)
		assert.NoError(t, err)
		out := make(map[string][]byte, len(ids))
		for _, id := range ids {
			out[id] = testKey(id)
		}
		return out, nil
	}
}

// --- Decrypt ---

func TestDecrypt_BatchesOfTenInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, ids := sealedBlobs(t, 25)

	gomock.InOrder(
		keys.EXPECT().FetchKeys(gomock.Any(), ids[0:10], gomock.Any()).DoAndReturn(keysFor(t)),
		keys.EXPECT().FetchKeys(gomock.Any(), ids[10:20], gomock.Any()).DoAndReturn(keysFor(t)),
		keys.EXPECT().FetchKeys(gomock.Any(), ids[20:25], gomock.Any()).DoAndReturn(keysFor(t)),
	)

	r := NewRetriever(keys, testSigner(), Options{PackageID: "0xpkg"})
	out, err := r.Decrypt(context.Background(), blobs)
	require.NoError(t, err)
	require.Len(t, out, 25)
	for i, plain := range out {
		assert.Equal(t, fmt.Sprintf("note %d", i), string(plain))
	}
}

func TestDecrypt_ExactlyOneBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, ids := sealedBlobs(t, MaxBatchSize)

	keys.EXPECT().FetchKeys(gomock.Any(), ids, gomock.Any()).DoAndReturn(keysFor(t)).Times(1)

	out, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(context.Background(), blobs)
	require.NoError(t, err)
	assert.Len(t, out, MaxBatchSize)
}

func TestDecrypt_Empty(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)

	out, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDecrypt_DuplicateIDsFetchedOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, ids := sealedBlobs(t, 2)
	blobs = append(blobs, blobs[0])

	keys.EXPECT().FetchKeys(gomock.Any(), ids, gomock.Any()).DoAndReturn(keysFor(t))

	out, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(context.Background(), blobs)
	require.NoError(t, err)
	assert.Equal(t, "note 0", string(out[2]))
}

func TestDecrypt_BatchDeniedStopsBeforeDecrypting(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, ids := sealedBlobs(t, 15)

	gomock.InOrder(
		keys.EXPECT().FetchKeys(gomock.Any(), ids[0:10], gomock.Any()).DoAndReturn(keysFor(t)),
		keys.EXPECT().FetchKeys(gomock.Any(), ids[10:15], gomock.Any()).
			Return(nil, fmt.Errorf("denied: %w", vaulterrors.ErrNoAccess)),
	)

	out, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(context.Background(), blobs)
	require.Error(t, err)
	assert.ErrorIs(t, err, vaulterrors.ErrNoAccess)
	require.Len(t, out, 15)
	for _, plain := range out {
		assert.Nil(t, plain)
	}
}

func TestDecrypt_MissingKeyIsRetrievalFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, _ := sealedBlobs(t, 2)

	keys.EXPECT().FetchKeys(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(map[string][]byte{"0000": testKey("0000")}, nil)

	_, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(context.Background(), blobs)
	assert.ErrorIs(t, err, vaulterrors.ErrRetrievalFailed)
}

func TestDecrypt_MalformedBlobFailsWithoutFetching(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, _ := sealedBlobs(t, 2)
	blobs[1] = []byte("plain text")

	_, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(context.Background(), blobs)
	assert.ErrorIs(t, err, vaulterrors.ErrRetrievalFailed)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecrypt_DecryptFailureReturnsPartial(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, ids := sealedBlobs(t, 3)

	keys.EXPECT().FetchKeys(gomock.Any(), ids, gomock.Any()).
		Return(map[string][]byte{
			ids[0]: testKey(ids[0]),
			ids[1]: testKey("wrong"),
			ids[2]: testKey(ids[2]),
		}, nil)

	out, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(context.Background(), blobs)
	assert.ErrorIs(t, err, vaulterrors.ErrRetrievalFailed)
	assert.Equal(t, "note 0", string(out[0]))
	assert.Nil(t, out[1])
	assert.Nil(t, out[2])
}

func TestDecrypt_CancelledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	blobs, _ := sealedBlobs(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewRetriever(keys, testSigner(), Options{}).Decrypt(ctx, blobs)
	assert.True(t, errors.Is(err, context.Canceled))
}

// --- Encrypt ---

func TestEncrypt_SingleIDBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)

	var fetched []string
	keys.EXPECT().FetchKeys(gomock.Any(), gomock.Len(1), gomock.Any()).
		DoAndReturn(func(ctx context.Context, ids []string, proof string) (map[string][]byte, error) {
			fetched = ids
			return keysFor(t)(ctx, ids, proof)
		})

	blob, err := NewEncrypter(keys, testSigner(), Options{}).Encrypt(context.Background(), testVaultID, []byte("hello"))
	require.NoError(t, err)

	env, err := Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, fetched[0], env.ID)

	prefix, ok := VaultPrefix(env.ID)
	require.True(t, ok)
	assert.Equal(t, testVaultID, prefix)

	plain, err := openWith(testKey(env.ID), env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestEncrypt_KeyDenied(t *testing.T) {
	ctrl := gomock.NewController(t)
	keys := NewMockKeyService(ctrl)
	keys.EXPECT().FetchKeys(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, vaulterrors.ErrNoAccess)

	_, err := NewEncrypter(keys, testSigner(), Options{}).Encrypt(context.Background(), testVaultID, []byte("x"))
	assert.ErrorIs(t, err, vaulterrors.ErrNoAccess)
}
