package parser

import (
	"strings"

	"github.com/alecthomas/participle/v2/lexer"
)

// sqlLexer tokenizes SQL text. Rules are tried in order; lower-case rules
// are elided.
var sqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "comment", Pattern: `--[^\n]*|/\*(?s:.*?)\*/`},
	{Name: "whitespace", Pattern: `\s+`},
	{Name: "Blob", Pattern: `[xX]'(?:[0-9A-Fa-f][0-9A-Fa-f])*'`},
	{Name: "Hex", Pattern: `0[xX][0-9A-Fa-f]+`},
	{Name: "Float", Pattern: `(?:\d+\.\d*|\.\d+)(?:[eE][-+]?\d+)?|\d+[eE][-+]?\d+`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "String", Pattern: `'(?:[^']|'')*'`},
	{Name: "QuotedIdent", Pattern: "\"(?:[^\"]|\"\")*\"|`(?:[^`]|``)*`|\\[[^\\]]*\\]"},
	{Name: "Param", Pattern: `\?\d*|[:@$][A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_$]*`},
	{Name: "Op", Pattern: `<>|<=|>=|==|!=|\|\||[-+*/%<>=(),;.]`},
})

var (
	symbols        = sqlLexer.Symbols()
	tokBlob        = symbols["Blob"]
	tokHex         = symbols["Hex"]
	tokFloat       = symbols["Float"]
	tokInt         = symbols["Int"]
	tokString      = symbols["String"]
	tokQuotedIdent = symbols["QuotedIdent"]
	tokParam       = symbols["Param"]
	tokIdent       = symbols["Ident"]
	tokOp          = symbols["Op"]
)

func tokenize(sql string) ([]lexer.Token, error) {
	lex, err := sqlLexer.LexString("", sql)
	if err != nil {
		return nil, err
	}
	return lexer.ConsumeAll(lex)
}

// reserved words cannot be used as bare identifiers or implicit aliases.
var reserved = map[string]bool{
	"ABORT": true, "ALL": true, "AND": true, "AS": true, "ASC": true, "BEGIN": true,
	"BETWEEN": true, "BY": true, "CAST": true, "COMMIT": true, "CREATE": true, "CROSS": true,
	"DEFAULT": true, "DELETE": true, "DESC": true, "DISTINCT": true, "DROP": true,
	"END": true, "EXISTS": true, "EXPLAIN": true, "FROM": true, "GROUP": true, "HAVING": true,
	"IGNORE": true, "IN": true, "INDEX": true, "INNER": true, "INSERT": true, "INTO": true,
	"IS": true, "JOIN": true, "LEFT": true, "LIKE": true, "LIMIT": true, "NOT": true,
	"NULL": true, "OFFSET": true, "ON": true, "OR": true, "ORDER": true, "PRAGMA": true,
	"PRIMARY": true, "REPLACE": true, "ROLLBACK": true, "SELECT": true, "SET": true,
	"TABLE": true, "TRANSACTION": true, "UNIQUE": true, "UPDATE": true, "VALUES": true,
	"WHERE": true,
}

// unquoteIdent strips SQL identifier quoting.
func unquoteIdent(s string) string {
	switch {
	case strings.HasPrefix(s, `"`):
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	case strings.HasPrefix(s, "`"):
		return strings.ReplaceAll(s[1:len(s)-1], "``", "`")
	case strings.HasPrefix(s, "["):
		return s[1 : len(s)-1]
	}
	return s
}

func unquoteString(s string) string {
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
}

// QuoteIdent quotes name for use in generated SQL when needed.
func QuoteIdent(name string) string {
	plain := name != "" && !reserved[strings.ToUpper(name)]
	for i, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9') {
			plain = false
			break
		}
	}
	if plain {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString renders s as a SQL string literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
