package normalizer_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubprotocol/chain-relay/internal/domain"
	"github.com/clubprotocol/chain-relay/internal/normalizer"
)

var (
	testTxHash   = common.HexToHash("0x50ea1fa66f1e1ad2ecedd0a2a48e4b2286a2b9b39f5b5c1c247b8116be2f1bc9")
	testReferrer = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testReferee  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func abiWord(v *big.Int) []byte {
	return common.BigToHash(v).Bytes()
}

func referralPaidLog(amount *big.Int, planLevel uint8) types.Log {
	data := append(abiWord(amount), abiWord(big.NewInt(int64(planLevel)))...)
	return types.Log{
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("ReferralPaid(address,address,uint256,uint8)")),
			addressTopic(testReferrer),
			addressTopic(testReferee),
		},
		Data:        data,
		TxHash:      testTxHash,
		BlockNumber: 1234,
		Index:       7,
	}
}

func TestNormalizeReferralPaid(t *testing.T) {
	observedAt := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	event, err := normalizer.Normalize(referralPaidLog(big.NewInt(5_000_000), 6), observedAt)
	require.NoError(t, err)
	require.NotNil(t, event)

	assert.Equal(t, domain.EventTypeReferralPaid, event.EventType)
	assert.Equal(t, testTxHash.Hex(), event.TxHash)
	assert.Equal(t, uint64(1234), event.BlockNumber)
	assert.Equal(t, uint(7), event.LogIndex)
	assert.Equal(t, testTxHash.Hex()+":7", event.EventKey())

	payload, err := event.DecodeReferralPaid()
	require.NoError(t, err)
	assert.Equal(t, testReferrer.Hex(), payload.Referrer)
	assert.Equal(t, testReferee.Hex(), payload.Referee)
	assert.Equal(t, "5000000", payload.Amount)
	assert.EqualValues(t, 6, payload.PlanLevel)
}

func TestNormalizeAmountAboveUint64(t *testing.T) {
	amount, ok := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	require.True(t, ok)

	event, err := normalizer.Normalize(referralPaidLog(amount, 1), time.Now())
	require.NoError(t, err)

	payload, err := event.DecodeReferralPaid()
	require.NoError(t, err)
	assert.Equal(t, amount.String(), payload.Amount)
}

func TestNormalizeMemberRegistered(t *testing.T) {
	vLog := types.Log{
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("MemberRegistered(address,address,uint8)")),
			addressTopic(testReferee),
			addressTopic(testReferrer),
		},
		Data:        abiWord(big.NewInt(3)),
		TxHash:      testTxHash,
		BlockNumber: 42,
		Index:       0,
	}

	event, err := normalizer.Normalize(vLog, time.Now())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, domain.EventTypeMemberRegistered, event.EventType)

	payload, err := event.DecodeMemberRegistered()
	require.NoError(t, err)
	assert.Equal(t, testReferee.Hex(), payload.Wallet)
	assert.Equal(t, testReferrer.Hex(), payload.Referrer)
	assert.EqualValues(t, 3, payload.PlanID)
}

func TestNormalizeMemberRegisteredWithoutReferrer(t *testing.T) {
	vLog := types.Log{
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("MemberRegistered(address,address,uint8)")),
			addressTopic(testReferee),
			addressTopic(common.Address{}),
		},
		Data:   abiWord(big.NewInt(1)),
		TxHash: testTxHash,
	}

	event, err := normalizer.Normalize(vLog, time.Now())
	require.NoError(t, err)

	payload, err := event.DecodeMemberRegistered()
	require.NoError(t, err)
	assert.Empty(t, payload.Referrer)
}

func TestNormalizeUnknownTopicIsSkipped(t *testing.T) {
	vLog := types.Log{
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			addressTopic(testReferrer),
			addressTopic(testReferee),
		},
		TxHash: testTxHash,
	}

	event, err := normalizer.Normalize(vLog, time.Now())
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestNormalizeMalformedLogFails(t *testing.T) {
	vLog := referralPaidLog(big.NewInt(100), 1)
	vLog.Data = vLog.Data[:16] // truncated

	_, err := normalizer.Normalize(vLog, time.Now())
	assert.Error(t, err)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	observedAt := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	vLog := referralPaidLog(big.NewInt(777), 9)

	first, err := normalizer.Normalize(vLog, observedAt)
	require.NoError(t, err)
	second, err := normalizer.Normalize(vLog, observedAt)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestTopicFilterCoversAllEventTypes(t *testing.T) {
	assert.Len(t, normalizer.TopicFilter(), 6)
}
