package store

import "strings"

// SearchMessages finds messages whose body contains query, case-insensitively.
// An empty conversationID searches every conversation.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE text LIKE '%' || ? || '%' ESCAPE '\'`
	args := []any{escapeLike(query)}
	if conversationID != "" {
		q += " AND conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	msgs, err := db.queryMessages(q, args...)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Text, query, 32)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet cuts up to width runes of context around the first match and marks
// the match with << >>. Matching folds case rune by rune, so offsets always
// fall on rune boundaries of text.
func snippet(text, query string, width int) string {
	if query == "" {
		return text
	}
	runes := []rune(text)
	qn := len([]rune(query))
	i := -1
	for j := 0; j+qn <= len(runes); j++ {
		if strings.EqualFold(string(runes[j:j+qn]), query) {
			i = j
			break
		}
	}
	if i < 0 {
		return text
	}
	start := max(0, i-width)
	end := min(len(runes), i+qn+width)
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(string(runes[start:i]))
	b.WriteString("<<")
	b.WriteString(string(runes[i : i+qn]))
	b.WriteString(">>")
	b.WriteString(string(runes[i+qn : end]))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
