package api

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/tbuchboeck/EcoFlowMon/internal/errors"
)

const (
	docAccessKey = "Fp4SvIprYSDPXtYJidEtUAd1o"
	docSecretKey = "WIbFEKre0s6sLnh4ei7SPUeYnptHG6V"
	docNonce     = "345164"
	docTimestamp = "1671171709428"
	docSign      = "07c13b65e037faf3b153d51613638fa80003c4c38d2407379a7f52851af1473e"
)

func docParams() map[string]any {
	return map[string]any{
		"sn": "123456789",
		"params": map[string]any{
			"cmdSet": 11,
			"id":     24,
			"eps":    0,
		},
	}
}

func TestSignWithDocumentedVector(t *testing.T) {
	sig, err := SignWith(docParams(), docAccessKey, docSecretKey, docNonce, docTimestamp)
	require.NoError(t, err)

	assert.Equal(t, docSign, sig.Sign)
	assert.Equal(t, docNonce, sig.Nonce)
	assert.Equal(t, docTimestamp, sig.Timestamp)
}

func TestSignWithDocumentedVectorFromStruct(t *testing.T) {
	type cmd struct {
		CmdSet int `json:"cmdSet"`
		ID     int `json:"id"`
		Eps    int `json:"eps"`
	}
	type body struct {
		SN     string `json:"sn"`
		Params cmd    `json:"params"`
	}

	sig, err := SignWith(body{SN: "123456789", Params: cmd{CmdSet: 11, ID: 24, Eps: 0}}, docAccessKey, docSecretKey, docNonce, docTimestamp)
	require.NoError(t, err)
	assert.Equal(t, docSign, sig.Sign)
}

func TestSignWithIsDeterministic(t *testing.T) {
	first, err := SignWith(docParams(), docAccessKey, docSecretKey, docNonce, docTimestamp)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := SignWith(docParams(), docAccessKey, docSecretKey, docNonce, docTimestamp)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize(docParams(), docAccessKey, docNonce, docTimestamp)
	require.NoError(t, err)
	assert.Equal(t,
		"params.cmdSet=11&params.eps=0&params.id=24&sn=123456789&accessKey=Fp4SvIprYSDPXtYJidEtUAd1o&nonce=345164&timestamp=1671171709428",
		got)
}

func TestCanonicalizeWithoutParameters(t *testing.T) {
	const want = "accessKey=OCHzRuj6NLF7o43&nonce=234762&timestamp=1681796503289"

	for name, params := range map[string]any{
		"nil":       nil,
		"empty map": map[string]any{},
		"null raw":  []byte(nil),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Canonicalize(params, "OCHzRuj6NLF7o43", "234762", "1681796503289")
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.False(t, strings.HasPrefix(got, "&"))
		})
	}
}

func TestSignWithoutParameters(t *testing.T) {
	sig, err := SignWith(nil, "OCHzRuj6NLF7o43", "secret", "234762", "1681796503289")
	require.NoError(t, err)
	assert.Equal(t, "069d9942dbdae513b0ea0b738b50250be1cfc8060bcd4d4cf942ec4318a9ba17", sig.Sign)
}

func TestCanonicalizeArraysAndSorting(t *testing.T) {
	params := map[string]any{
		"sn": "X1",
		"params": map[string]any{
			"quotas": []string{"pd.soc", "inv.outputWatts"},
		},
	}
	got, err := Canonicalize(params, "ak", "1", "2")
	require.NoError(t, err)
	assert.Equal(t, "params.quotas[0]=pd.soc&params.quotas[1]=inv.outputWatts&sn=X1&accessKey=ak&nonce=1&timestamp=2", got)
}

func TestCanonicalizeCollision(t *testing.T) {
	params := map[string]any{
		"a.b": 1,
		"a":   map[string]any{"b": 2},
	}
	_, err := Canonicalize(params, "ak", "1", "2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrKeyCollision))
}

func TestSignFreshNonceAndTimestamp(t *testing.T) {
	sig, err := Sign(nil, "ak", "sk")
	require.NoError(t, err)

	nonce, err := strconv.Atoi(sig.Nonce)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, nonce, 100000)
	assert.Less(t, nonce, 200000)

	ts, err := strconv.ParseInt(sig.Timestamp, 10, 64)
	require.NoError(t, err)
	assert.Greater(t, ts, int64(1_600_000_000_000))

	assert.Len(t, sig.Sign, 64)
	assert.Equal(t, strings.ToLower(sig.Sign), sig.Sign)
}
