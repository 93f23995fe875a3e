package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/marketmirror/errs"
	"github.com/coachpo/marketmirror/internal/auth"
)

var testCred = auth.Credential{Key: "testApiKey", Secret: []byte("testSecret")}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestSignGETReproducesKnownDigest(t *testing.T) {
	signer, err := auth.NewSigner(testCred, fixedClock(1700000000000))
	require.NoError(t, err)

	signed, err := signer.SignRequest(auth.CanonicalGET, "https://api.nonkyc.io/api/v2/balances", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000000), signed.Nonce)
	require.Equal(t,
		"c75a341694634dbcf6774ca28f8aa6d5b1099448a520d5618b61e24cf4939ec7",
		signed.Signature)
}

func TestSignPOSTCompactsBody(t *testing.T) {
	signer, err := auth.NewSigner(testCred, fixedClock(1700000000000))
	require.NoError(t, err)

	body := []byte("{\n  \"symbol\": \"BTC/USDT\",\n  \"side\": \"buy\",\n  \"quantity\": \"1.0\"\n}")
	signed, err := signer.SignRequest(auth.CanonicalPOST, "https://api.nonkyc.io/api/v2/createorder", body)
	require.NoError(t, err)
	require.Equal(t,
		"d726199f9162ebee246c1392f67b97ddaa6582a8b61835e80b5accfee4c05fc8",
		signed.Signature)
}

func TestSignatureAvalanche(t *testing.T) {
	a, err := auth.NewSigner(testCred, fixedClock(1700000000000))
	require.NoError(t, err)
	b, err := auth.NewSigner(testCred, fixedClock(1700000000001))
	require.NoError(t, err)

	target := "https://api.nonkyc.io/api/v2/balances"
	signedA, err := a.SignRequest(auth.CanonicalGET, target, nil)
	require.NoError(t, err)
	signedB, err := b.SignRequest(auth.CanonicalGET, target, nil)
	require.NoError(t, err)

	require.NotEqual(t, signedA.Signature, signedB.Signature)
	require.Len(t, signedA.Signature, 64)
	require.Len(t, signedB.Signature, 64)
}

func TestNonceStrictlyIncreasesUnderFrozenClock(t *testing.T) {
	signer, err := auth.NewSigner(testCred, fixedClock(1700000000000))
	require.NoError(t, err)

	first, err := signer.Nonce()
	require.NoError(t, err)
	second, err := signer.Nonce()
	require.NoError(t, err)
	third, err := signer.Nonce()
	require.NoError(t, err)
	require.Greater(t, second, first)
	require.Greater(t, third, second)
}

func TestNonceRejectsWrongTimeUnits(t *testing.T) {
	// A clock reporting seconds where milliseconds are expected.
	signer, err := auth.NewSigner(testCred, func() time.Time { return time.UnixMilli(1700000000) })
	require.NoError(t, err)

	_, err = signer.Nonce()
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeAuthUnavailable))
}

func TestNewSignerRejectsEmptyCredential(t *testing.T) {
	_, err := auth.NewSigner(auth.Credential{}, nil)
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeAuthUnavailable))
}

func TestSignPOSTRejectsMalformedBody(t *testing.T) {
	signer, err := auth.NewSigner(testCred, fixedClock(1700000000000))
	require.NoError(t, err)

	_, err = signer.SignRequest(auth.CanonicalPOST, "https://api.nonkyc.io/api/v2/createorder", []byte("{not json"))
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestLoginTokenShape(t *testing.T) {
	signer, err := auth.NewSigner(testCred, nil)
	require.NoError(t, err)

	msg, err := signer.Login()
	require.NoError(t, err)
	require.Equal(t, "testApiKey", msg.Key)
	require.Len(t, msg.Nonce, 14)
	for _, r := range msg.Nonce {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		require.True(t, isAlnum, "nonce char %q", r)
	}
	require.Equal(t, auth.Sign(testCred, []byte(msg.Nonce)), msg.Signature)
}
