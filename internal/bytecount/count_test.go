package bytecount_test

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/packetmeter/internal/bytecount"
)

func TestUnmarshalBeyondFloatPrecision(t *testing.T) {
	var payload struct {
		Rx bytecount.Count `json:"totalRx"`
		Tx bytecount.Count `json:"totalTx"`
	}
	// 2^53 + 1 and a 30 digit counter
	err := json.Unmarshal([]byte(`{"totalRx": 9007199254740993, "totalTx": "123456789012345678901234567890"}`), &payload)
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", payload.Rx.String())
	assert.Equal(t, "123456789012345678901234567890", payload.Tx.String())

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalRx": 9007199254740993, "totalTx": 123456789012345678901234567890}`, string(out))
}

func TestUnmarshalRejects(t *testing.T) {
	for _, in := range []string{`-1`, `1.5`, `"abc"`, `null`, `""`} {
		var c bytecount.Count
		assert.Error(t, json.Unmarshal([]byte(in), &c), in)
	}
}

func TestParseExponentInteger(t *testing.T) {
	c, err := bytecount.Parse("1.5e3")
	require.NoError(t, err)
	assert.Equal(t, "1500", c.String())
}

func TestSubClampsAtZero(t *testing.T) {
	a := bytecount.FromUint64(10)
	b := bytecount.FromUint64(25)
	assert.True(t, a.Sub(b).IsZero())
	assert.Equal(t, "15", b.Sub(a).String())
}

func TestShare(t *testing.T) {
	assert.Zero(t, bytecount.Share(bytecount.FromUint64(5), bytecount.Count{}))
	assert.InDelta(t, 25.0, bytecount.Share(bytecount.FromUint64(1), bytecount.FromUint64(4)), 1e-9)
}

func TestScanNumericExponent(t *testing.T) {
	var c bytecount.Count
	require.NoError(t, c.ScanNumeric(pgtype.Numeric{Int: big.NewInt(12), Exp: 3, Valid: true}))
	assert.Equal(t, "12000", c.String())

	require.NoError(t, c.ScanNumeric(pgtype.Numeric{Int: big.NewInt(12000), Exp: -3, Valid: true}))
	assert.Equal(t, "12", c.String())

	assert.Error(t, c.ScanNumeric(pgtype.Numeric{Int: big.NewInt(12001), Exp: -3, Valid: true}))

	require.NoError(t, c.ScanNumeric(pgtype.Numeric{}))
	assert.True(t, c.IsZero())
}

func TestZeroValue(t *testing.T) {
	var c bytecount.Count
	assert.Equal(t, "0", c.String())
	assert.Equal(t, "7", c.Add(bytecount.FromUint64(7)).String())
	n, err := c.NumericValue()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n.Int.Int64())
}
