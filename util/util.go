package util

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HashToHex encodes a hash without the 0x prefix, the form kept in the DB.
func HashToHex(h common.Hash) string {
	return hex.EncodeToString(h.Bytes())
}

// HexToHash is the inverse of HashToHex; a 0x prefix is tolerated.
func HexToHash(s string) common.Hash {
	return common.HexToHash(s)
}

func AddressToHex(a common.Address) string {
	return hex.EncodeToString(a.Bytes())
}

func HexToAddress(s string) common.Address {
	return common.HexToAddress(s)
}

// BytesToHex encodes bytes without the 0x prefix.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToBytes decodes hex with or without the 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func SplitByComma(str string) []string {
	str = strings.TrimSpace(str)
	strArr := strings.Split(str, ",")
	var trimStr []string
	for _, item := range strArr {
		if len(strings.TrimSpace(item)) > 0 {
			trimStr = append(trimStr, strings.TrimSpace(item))
		}
	}
	return trimStr
}

func JoinWithComma(slice []string) string {
	return strings.Join(slice, ",")
}
