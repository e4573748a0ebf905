package feed

// symbolTable is the fixed ordered universe of tickers. A feed configured
// with symbol_count N uses the first N entries.
var symbolTable = []string{
	"AAPL", "MSFT", "GOOG", "AMZN", "META", "TSLA", "NVDA", "JPM",
	"JNJ", "V", "UNH", "PG", "HD", "DIS", "MA", "BAC",
	"VZ", "CRM", "XOM", "PFE", "NKE", "INTC", "T", "KO",
	"MRK", "PEP", "ABT", "WMT", "CVX", "CSCO", "MCD", "ABBV",
	"MDT", "BMY", "ACN", "AVGO", "TXN", "COST", "NEE", "QCOM",
	"DHR", "LIN", "PM", "UNP", "LOW", "HON", "UPS", "IBM",
	"SBUX", "CAT",
}

// SymbolTableSize is the number of tickers available to the feed.
const SymbolTableSize = 50

// BasePrice returns the deterministic starting price for symbol index i.
func BasePrice(i int) float64 {
	return 100.0 + 7.0*float64(i)
}
