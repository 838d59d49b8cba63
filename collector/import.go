package collector

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/fundingbot/storage"
)

// ImportKlinesCSV loads historical candles from a CSV file with columns
// timestamp_ms,open,high,low,close,volume (header optional). Rows that fail
// to parse are skipped.
func ImportKlinesCSV(db *storage.Database, path, exchange, symbol, timeframe string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows []storage.Kline
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		if len(rec) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			continue // header or junk row
		}
		open, err1 := decimal.NewFromString(rec[1])
		high, err2 := decimal.NewFromString(rec[2])
		low, err3 := decimal.NewFromString(rec[3])
		cls, err4 := decimal.NewFromString(rec[4])
		vol, err5 := decimal.NewFromString(rec[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		rows = append(rows, storage.Kline{
			Exchange: exchange, Symbol: symbol, Timeframe: timeframe, Timestamp: ts,
			Open: open, High: high, Low: low, Close: cls, Volume: vol,
		})
	}

	n, err := db.InsertKlines(rows)
	if err != nil {
		return 0, err
	}
	log.Info().Str("symbol", symbol).Int64("rows", n).Msg("📥 Klines imported")
	return n, nil
}

// ImportFundingRatesCSV loads historical funding settlements from a CSV with
// columns timestamp_ms,rate[,interval_ms].
func ImportFundingRatesCSV(db *storage.Database, path, exchange, symbol string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var imported int64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return imported, fmt.Errorf("read %s: %w", path, err)
		}
		if len(rec) < 2 {
			continue
		}
		ts, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			continue
		}
		rate, err := decimal.NewFromString(rec[1])
		if err != nil {
			continue
		}
		row := &storage.FundingRate{
			Exchange: exchange, Symbol: symbol, Timestamp: ts, FundingRate: rate,
			NextFundingTime: ts,
		}
		if len(rec) >= 3 {
			if interval, err := strconv.ParseInt(rec[2], 10, 64); err == nil {
				row.FundingInterval = interval
			}
		}
		if err := db.UpsertFundingRate(row); err != nil {
			return imported, err
		}
		imported++
	}
	log.Info().Str("symbol", symbol).Int64("rows", imported).Msg("📥 Funding history imported")
	return imported, nil
}
