package engine

import (
	"encoding/binary"
	"fmt"
	"sort"

	"tradecore/internal/common"
	"tradecore/internal/matcher"
	"tradecore/internal/risk"
)

// stateVersion tags the snapshot payload layout.
const stateVersion = 1

// snapshotState is the engine checkpoint persisted alongside the
// chain counters: every account's collateral, realized PnL, and
// positions, plus per-market mark prices.
type snapshotState struct {
	ChainID     uint64
	BlockNumber uint64
	Accounts    []accountSnapshot
	MarkPrices  []markPriceSnapshot
	Orders      []matcher.RestingOrder
}

type accountSnapshot struct {
	Account     common.AccountID
	Collateral  int64
	RealizedPnL int64
	Positions   []positionSnapshot
}

type positionSnapshot struct {
	Market     common.MarketID
	Quantity   int64
	EntryPrice int64
}

type markPriceSnapshot struct {
	Market    common.MarketID
	MarkPrice int64
}

func appendU16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

func appendU64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

func appendI64(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

// encodeState serializes the checkpoint little-endian. Accounts,
// positions, and markets are sorted so identical state always
// produces identical bytes.
func encodeState(state snapshotState) []byte {
	buf := make([]byte, 0, 64+len(state.Accounts)*64)
	buf = append(buf, stateVersion)
	buf = appendU64(buf, state.ChainID)
	buf = appendU64(buf, state.BlockNumber)

	sort.Slice(state.Accounts, func(i, j int) bool {
		return state.Accounts[i].Account < state.Accounts[j].Account
	})
	buf = appendU64(buf, uint64(len(state.Accounts)))
	for _, account := range state.Accounts {
		buf = appendU64(buf, uint64(account.Account))
		buf = appendI64(buf, account.Collateral)
		buf = appendI64(buf, account.RealizedPnL)

		sort.Slice(account.Positions, func(i, j int) bool {
			return account.Positions[i].Market < account.Positions[j].Market
		})
		buf = appendU16(buf, uint16(len(account.Positions)))
		for _, position := range account.Positions {
			buf = appendU16(buf, uint16(position.Market))
			buf = appendI64(buf, position.Quantity)
			buf = appendI64(buf, position.EntryPrice)
		}
	}

	sort.Slice(state.MarkPrices, func(i, j int) bool {
		return state.MarkPrices[i].Market < state.MarkPrices[j].Market
	})
	buf = appendU16(buf, uint16(len(state.MarkPrices)))
	for _, mark := range state.MarkPrices {
		buf = appendU16(buf, uint16(mark.Market))
		buf = appendI64(buf, mark.MarkPrice)
	}

	buf = appendU64(buf, uint64(len(state.Orders)))
	for _, order := range state.Orders {
		req := order.Request
		buf = appendU16(buf, uint16(req.ID.Market))
		buf = appendU16(buf, uint16(req.ID.Session))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(req.ID.Local))
		buf = appendU64(buf, uint64(req.Account))
		buf = append(buf, byte(req.Side), byte(req.Tif))
		buf = appendU16(buf, req.Flags)
		buf = appendI64(buf, req.Quantity)
		buf = appendI64(buf, req.Price)
		buf = appendI64(buf, req.DisplayQuantity)
		buf = appendI64(buf, order.Remaining)
		buf = appendU64(buf, order.FifoSeq)
	}

	return buf
}

type stateReader struct {
	data []byte
	off  int
	err  error
}

func (r *stateReader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.data) {
		r.fail()
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *stateReader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *stateReader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

func (r *stateReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.data) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *stateReader) i64() int64 {
	return int64(r.u64())
}

func (r *stateReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("engine: snapshot state truncated at offset %d", r.off)
	}
}

// decodeState parses a checkpoint payload.
func decodeState(data []byte) (snapshotState, error) {
	r := &stateReader{data: data}

	version := r.u8()
	if r.err == nil && version != stateVersion {
		return snapshotState{}, fmt.Errorf("engine: unsupported snapshot state version %d", version)
	}

	var state snapshotState
	state.ChainID = r.u64()
	state.BlockNumber = r.u64()

	accountCount := r.u64()
	for i := uint64(0); i < accountCount && r.err == nil; i++ {
		account := accountSnapshot{
			Account:     common.AccountID(r.u64()),
			Collateral:  r.i64(),
			RealizedPnL: r.i64(),
		}
		positionCount := r.u16()
		for j := uint16(0); j < positionCount && r.err == nil; j++ {
			account.Positions = append(account.Positions, positionSnapshot{
				Market:     common.MarketID(r.u16()),
				Quantity:   r.i64(),
				EntryPrice: r.i64(),
			})
		}
		state.Accounts = append(state.Accounts, account)
	}

	markCount := r.u16()
	for i := uint16(0); i < markCount && r.err == nil; i++ {
		state.MarkPrices = append(state.MarkPrices, markPriceSnapshot{
			Market:    common.MarketID(r.u16()),
			MarkPrice: r.i64(),
		})
	}

	orderCount := r.u64()
	for i := uint64(0); i < orderCount && r.err == nil; i++ {
		var order matcher.RestingOrder
		order.Request.ID.Market = common.MarketID(r.u16())
		order.Request.ID.Session = common.SessionID(r.u16())
		order.Request.ID.Local = common.SequenceID(r.u32())
		order.Request.Account = common.AccountID(r.u64())
		order.Request.Side = common.Side(r.u8())
		order.Request.Tif = common.TimeInForce(r.u8())
		order.Request.Flags = r.u16()
		order.Request.Quantity = r.i64()
		order.Request.Price = r.i64()
		order.Request.DisplayQuantity = r.i64()
		order.Remaining = r.i64()
		order.FifoSeq = r.u64()
		state.Orders = append(state.Orders, order)
	}

	if r.err != nil {
		return snapshotState{}, r.err
	}
	return state, nil
}

// captureState reads the current checkpoint out of the risk and
// matching engines.
func captureState(
	riskEngine *risk.Engine,
	book *matcher.Engine,
	markets []common.MarketID,
	chainID, blockNumber uint64,
) snapshotState {
	state := snapshotState{ChainID: chainID, BlockNumber: blockNumber}
	state.Orders = book.ExportResting()

	for _, accountID := range riskEngine.Accounts() {
		accountState := riskEngine.FindAccount(accountID)
		if accountState == nil {
			continue
		}
		snap := accountSnapshot{
			Account:     accountID,
			Collateral:  accountState.Collateral,
			RealizedPnL: accountState.RealizedPnL,
		}
		for market, position := range accountState.Positions {
			if position.Quantity == 0 && position.EntryPrice == 0 {
				continue
			}
			snap.Positions = append(snap.Positions, positionSnapshot{
				Market:     market,
				Quantity:   position.Quantity,
				EntryPrice: position.EntryPrice,
			})
		}
		state.Accounts = append(state.Accounts, snap)
	}

	for _, market := range markets {
		state.MarkPrices = append(state.MarkPrices, markPriceSnapshot{
			Market:    market,
			MarkPrice: riskEngine.MarkPrice(market),
		})
	}

	return state
}

// restoreState loads a checkpoint back into the risk and matching
// engines.
func restoreState(riskEngine *risk.Engine, book *matcher.Engine, state snapshotState) {
	book.RestoreResting(state.Orders)
	for _, account := range state.Accounts {
		restored := risk.AccountState{
			Collateral:  account.Collateral,
			RealizedPnL: account.RealizedPnL,
			Positions:   make(map[common.MarketID]risk.PositionState, len(account.Positions)),
		}
		for _, position := range account.Positions {
			restored.Positions[position.Market] = risk.PositionState{
				Quantity:   position.Quantity,
				EntryPrice: position.EntryPrice,
			}
		}
		riskEngine.RestoreAccountState(account.Account, restored)
	}

	for _, mark := range state.MarkPrices {
		if mark.MarkPrice != 0 {
			riskEngine.SetMarkPrice(mark.Market, mark.MarkPrice)
		}
	}
}
