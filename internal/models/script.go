package models

import "strings"

// ScriptType classifies an output script.
type ScriptType string

const (
	ScriptP2PKH       ScriptType = "p2pkh"
	ScriptP2SH        ScriptType = "p2sh"
	ScriptP2WPKH      ScriptType = "p2wpkh"
	ScriptP2WSH       ScriptType = "p2wsh"
	ScriptP2TR        ScriptType = "p2tr"
	ScriptPubKey      ScriptType = "pubkey"
	ScriptMultisig    ScriptType = "multisig"
	ScriptNullData    ScriptType = "nulldata"
	ScriptNonStandard ScriptType = "nonstandard"
)

// ParseScriptType maps a node script class name (txscript.ScriptClass.String
// or the bitcoind "type" field) to a ScriptType.
func ParseScriptType(class string) ScriptType {
	switch strings.ToLower(class) {
	case "pubkeyhash", "p2pkh":
		return ScriptP2PKH
	case "scripthash", "p2sh":
		return ScriptP2SH
	case "witness_v0_keyhash", "p2wpkh":
		return ScriptP2WPKH
	case "witness_v0_scripthash", "p2wsh":
		return ScriptP2WSH
	case "witness_v1_taproot", "p2tr":
		return ScriptP2TR
	case "pubkey":
		return ScriptPubKey
	case "multisig":
		return ScriptMultisig
	case "nulldata":
		return ScriptNullData
	default:
		return ScriptNonStandard
	}
}

// IsSegwit reports whether the script is a native witness program.
func (s ScriptType) IsSegwit() bool {
	return s == ScriptP2WPKH || s == ScriptP2WSH || s == ScriptP2TR
}
