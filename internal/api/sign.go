package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tbuchboeck/EcoFlowMon/internal/quota"
)

const (
	nonceMin   = 100000
	nonceRange = 100000
)

// Signature carries the values that travel in the nonce, timestamp and sign
// headers of one request.
type Signature struct {
	Nonce     string
	Timestamp string
	Sign      string
}

// Sign signs params with a fresh nonce and the current time. params is the
// JSON body of the request (nil when there is none); Go structs, maps and
// quota trees are all accepted.
func Sign(params any, accessKey, secretKey string) (Signature, error) {
	nonce := strconv.Itoa(nonceMin + rand.IntN(nonceRange))
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return SignWith(params, accessKey, secretKey, nonce, timestamp)
}

// SignWith is the deterministic core of Sign.
func SignWith(params any, accessKey, secretKey, nonce, timestamp string) (Signature, error) {
	canonical, err := Canonicalize(params, accessKey, nonce, timestamp)
	if err != nil {
		return Signature{}, err
	}

	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(canonical))

	return Signature{
		Nonce:     nonce,
		Timestamp: timestamp,
		Sign:      hex.EncodeToString(mac.Sum(nil)),
	}, nil
}

// Canonicalize builds the string that gets signed: the flattened params
// sorted byte-wise as k=v joined by '&', followed by the accessKey, nonce and
// timestamp pairs.
func Canonicalize(params any, accessKey, nonce, timestamp string) (string, error) {
	var b strings.Builder

	if params != nil {
		tree, err := quota.FromAny(params)
		if err != nil {
			return "", err
		}
		pairs, err := quota.KeyPaths(tree)
		if err != nil {
			return "", fmt.Errorf("failed to flatten parameters: %w", err)
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })

		for _, p := range pairs {
			b.WriteString(p.Key)
			b.WriteByte('=')
			b.WriteString(p.Value)
			b.WriteByte('&')
		}
	}

	b.WriteString("accessKey=")
	b.WriteString(accessKey)
	b.WriteString("&nonce=")
	b.WriteString(nonce)
	b.WriteString("&timestamp=")
	b.WriteString(timestamp)

	return b.String(), nil
}
