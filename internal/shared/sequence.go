package shared

import (
	"fmt"
	"strconv"
	"strings"
)

// Document number prefixes used across the posting engine.
const (
	PrefixMovement = "M"
	PrefixLedger   = "FI"
	PrefixDelivery = "DN"
	PrefixInvoice  = "INV"
	PrefixPurchase = "PO"
)

// NextDocumentNumber formats <PREFIX>-<year>-<zero-padded seq> where seq is one
// past the highest existing number for the same prefix and year. maxExisting may
// be empty when no document has been issued for the year yet.
func NextDocumentNumber(prefix string, year int, maxExisting string, width int) string {
	seq := int64(0)
	if maxExisting != "" {
		seq = SequenceOf(maxExisting)
	}
	return fmt.Sprintf("%s-%d-%0*d", prefix, year, width, seq+1)
}

// SequenceOf extracts the numeric suffix of a document number. Malformed
// numbers yield zero so a corrupt row never blocks issuing new documents.
func SequenceOf(number string) int64 {
	idx := strings.LastIndex(number, "-")
	if idx < 0 || idx == len(number)-1 {
		return 0
	}
	seq, err := strconv.ParseInt(number[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}
