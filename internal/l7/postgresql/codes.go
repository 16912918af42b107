package postgresql

// codeDescriptions maps well-known SQLSTATE codes (spec.md §4.3, "E" block)
// to the human message carried in l7.SendLog.RespException. Codes not listed
// fall back to a class-based classification in GetCodeDesc.
var codeDescriptions = map[string]string{
	"42601": "syntax_error",
	"42501": "insufficient_privilege",
	"42703": "undefined_column",
	"42P01": "undefined_table",
	"42883": "undefined_function",
	"23505": "unique_violation",
	"23503": "foreign_key_violation",
	"23502": "not_null_violation",
	"23514": "check_violation",
	"22001": "string_data_right_truncation",
	"22003": "numeric_value_out_of_range",
	"22P02": "invalid_text_representation",
	"25P02": "in_failed_sql_transaction",
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"53300": "too_many_connections",
	"57014": "query_canceled",
	"XX000": "internal_error",
}

// serverErrorClasses are SQLSTATE class prefixes (the first two characters)
// that represent a server-side failure rather than a malformed or
// constraint-violating client request. Anything else defaults to
// ClientError, matching spec.md §9's documented default on 'E'.
var serverErrorClasses = map[string]bool{
	"53": true, // insufficient resources
	"54": true, // program limit exceeded
	"55": true, // object not in prerequisite state
	"57": true, // operator intervention
	"58": true, // system error
	"XX": true, // internal error
	"F0": true, // configuration file error
}

// GetCodeDesc maps a SQLSTATE code to a human-readable error name and
// reports whether the code reclassifies the response as a server error.
// spec.md §9 requires the error counter to reflect this final classification,
// not the 'E' tag's ClientError default — preserve the ordering: classify
// first, increment counters after (see Parser.decodeResponse).
func GetCodeDesc(code string) (desc string, isServerError bool) {
	if d, ok := codeDescriptions[code]; ok {
		desc = d
	} else {
		desc = "unknown_error"
	}
	if len(code) >= 2 {
		isServerError = serverErrorClasses[code[:2]]
	}
	return desc, isServerError
}
