package cdpcontrol

import "encoding/json"

// evalEnvelope is the shape every page evaluation returns.
type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// storageItem is the data of a local storage lookup.
type storageItem struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// wrapJSEval turns body into an expression whose thrown errors come back as
// a failed envelope instead of an evaluation exception.
func wrapJSEval(body string) string {
	return `(function(){
try {
` + body + `
} catch (err) {
return JSON.stringify({ok:false,error_code:"` + codeEvalFailure + `",error_message:String(err && err.message || err)});
}
})()`
}

func jsGetLocalStorageItem(key string) string {
	return wrapJSEval(`if (typeof window.localStorage === "undefined" || window.localStorage === null) {
return JSON.stringify({ok:false,error_code:"` + codeStorageUnavailable + `",error_message:"local storage is not available"});
}
var v = window.localStorage.getItem(` + jsString(key) + `);
return JSON.stringify({ok:true,data:{found:v !== null,value:v === null ? "" : String(v)}});`)
}
