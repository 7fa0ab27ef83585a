package postgresql

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifest-network/ledgersync/internal/models"
)

func newMock(t *testing.T) (*PostgresOutputHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestChannelExists(t *testing.T) {
	h, mock := newMock(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM channels WHERE name = \$1\)`).
		WithArgs("mychannel").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := h.ChannelExists(context.Background(), "mychannel")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChannel(t *testing.T) {
	h, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO channels`).
		WithArgs("mychannel", "peer0", "localhost:7051", "Org1MSP", "g0").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := h.UpsertChannel(context.Background(), &models.Channel{
		Name:        "mychannel",
		Peer:        models.Peer{Name: "peer0", Address: "localhost:7051", MSPID: "Org1MSP"},
		GenesisHash: "g0",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockExists(t *testing.T) {
	h, mock := newMock(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM blocks`).
		WithArgs("mychannel", int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	exists, err := h.BlockExists(context.Background(), "mychannel", 11)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteBlockWithTransactions(t *testing.T) {
	block := &models.Block{
		Number: 11,
		Hash:   "h11",
		Data:   []byte(`{"number":11}`),
		Transactions: []*models.Transaction{
			{Hash: "tx1", Type: models.TxTypeEndorserTransaction, Chaincode: "mycc", ValidationStatus: "VALID"},
			{Hash: "tx2", Type: models.TxTypeEndorserTransaction, Chaincode: "mycc", ValidationCode: 11, ValidationStatus: "MVCC_READ_CONFLICT"},
		},
	}

	t.Run("new block", func(t *testing.T) {
		h, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO blocks`).
			WithArgs("mychannel", int64(11), "h11", "", "", 2, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO transactions`).
			WithArgs("mychannel", "tx1", int64(11), models.TxTypeEndorserTransaction, "mycc", 0, "VALID").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO transactions`).
			WithArgs("mychannel", "tx2", int64(11), models.TxTypeEndorserTransaction, "mycc", 11, "MVCC_READ_CONFLICT").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE channels SET height`).
			WithArgs("mychannel", int64(11)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, h.WriteBlockWithTransactions(context.Background(), "mychannel", block))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already stored", func(t *testing.T) {
		h, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO blocks`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		require.NoError(t, h.WriteBlockWithTransactions(context.Background(), "mychannel", block))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert fails", func(t *testing.T) {
		h, mock := newMock(t)

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO blocks`).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := h.WriteBlockWithTransactions(context.Background(), "mychannel", block)
		assert.ErrorContains(t, err, "failed to insert block 11")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetLatestBlock(t *testing.T) {
	t.Run("stored", func(t *testing.T) {
		h, mock := newMock(t)
		mock.ExpectQuery(`SELECT number, hash, previous_hash, data_hash, data`).
			WithArgs("mychannel").
			WillReturnRows(sqlmock.NewRows([]string{"number", "hash", "previous_hash", "data_hash", "data"}).
				AddRow(int64(10), "h10", "h9", "d10", []byte(`{}`)))

		block, err := h.GetLatestBlock(context.Background(), "mychannel")
		require.NoError(t, err)
		require.NotNil(t, block)
		assert.Equal(t, uint64(10), block.Number)
		assert.Equal(t, "h10", block.Hash)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty", func(t *testing.T) {
		h, mock := newMock(t)
		mock.ExpectQuery(`SELECT number, hash, previous_hash, data_hash, data`).
			WithArgs("mychannel").
			WillReturnRows(sqlmock.NewRows([]string{"number", "hash", "previous_hash", "data_hash", "data"}))

		block, err := h.GetLatestBlock(context.Background(), "mychannel")
		require.NoError(t, err)
		assert.Nil(t, block)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetMissingBlockIds(t *testing.T) {
	h, mock := newMock(t)
	mock.ExpectQuery(`FROM generate_series`).
		WithArgs("mychannel").
		WillReturnRows(sqlmock.NewRows([]string{"i"}).AddRow(int64(3)).AddRow(int64(7)))

	ids, err := h.GetMissingBlockIds(context.Background(), "mychannel")
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 7}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
