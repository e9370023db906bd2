package models

import "strings"

// NormalizeCIK strips leading zeros, keeping a single zero for an all-zero key.
func NormalizeCIK(cik string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(cik), "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// PadCIK left-pads a CIK to the ten digits EDGAR uses in URLs.
func PadCIK(cik string) string {
	cik = NormalizeCIK(cik)
	if len(cik) >= 10 {
		return cik
	}
	return strings.Repeat("0", 10-len(cik)) + cik
}

// CompactAccession removes the dashes EDGAR uses in display accession numbers.
func CompactAccession(acc string) string {
	return strings.ReplaceAll(acc, "-", "")
}
