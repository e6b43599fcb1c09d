package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// statusKey is the nested object some prompts ask the model to report its status in.
const statusKey = "返回状态"

// EnvelopeOf reads retCode/retMessage from a decoded model answer, looking
// at the top level first and then inside the nested status object. The
// second return value is false when the answer reported no retCode at all.
func EnvelopeOf(m map[string]any) (Envelope, bool) {
	code := String(m["retCode"])
	msg := String(m["retMessage"])
	if nested, ok := m[statusKey].(map[string]any); ok {
		if code == "" {
			code = String(nested["retCode"])
		}
		if msg == "" {
			msg = String(nested["retMessage"])
		}
	}
	reported := code != ""
	if code == "" {
		code = CodeSuccess
	}
	if msg == "" {
		if code == CodeSuccess {
			msg = MessageSuccess
		} else {
			msg = MessageFailed
		}
	}
	return Envelope{RetCode: code, RetMessage: msg}, reported
}

func NormalizeBase(m map[string]any) *BaseResult {
	env, _ := EnvelopeOf(m)
	p := object(m["projectInfo"])
	c := object(m["bidContactInfo"])
	b := object(m["bidBond"])
	return &BaseResult{
		Envelope: env,
		ProjectInfo: ProjectInfo{
			ProjectCode:     String(p["projectCode"]),
			ProjectName:     String(p["projectName"]),
			CustomerName:    String(p["customerName"]),
			BidOpenTime:     String(p["bidOpenTime"]),
			BidDeadlineTime: String(p["bidDeadlineTime"]),
			BidAddress:      String(p["bidAddress"]),
			BudgetAmount:    Amount(p["budgetAmount"]),
		},
		BidContactInfo: BidContactInfo{
			BidAgentOrg:        String(c["bidAgentOrg"]),
			AgentContactPerson: String(c["agentContactPerson"]),
			AgentContactPhone:  String(c["agentContactPhone"]),
		},
		BidBond: BidBond{
			BondAccountNumber: String(b["bondAccountNumber"]),
			BondAccountName:   String(b["bondAccountName"]),
			BondAccountBranch: String(b["bondAccountBranch"]),
			BondAmount:        Amount(b["bondAmount"]),
			BondDeadlineTime:  String(b["bondDeadlineTime"]),
		},
	}
}

func NormalizeScore(m map[string]any) *ScoreResult {
	env, _ := EnvelopeOf(m)
	items, _ := m["criteria"].([]any)
	out := &ScoreResult{Envelope: env, Criteria: make([]Criterion, 0, len(items))}
	for _, it := range items {
		cm, ok := it.(map[string]any)
		if !ok {
			continue
		}
		c := Criterion{
			ItemName:     String(cm["itemName"]),
			ItemTag:      String(cm["itemTag"]),
			TagCondition: tagConditions(cm["TagCondition"]),
		}
		if s, ok := Number(cm["score"]); ok {
			c.Score = s
		}
		if q, ok := Number(cm["quantity"]); ok {
			c.Quantity = &q
		}
		out.Criteria = append(out.Criteria, c)
	}
	return out
}

func tagConditions(v any) []TagCondition {
	items, _ := v.([]any)
	out := make([]TagCondition, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		tc := TagCondition{
			FieldName: String(m["fieldName"]),
			Judge:     strings.ToUpper(String(m["judge"])),
		}
		switch cond := m["condition"].(type) {
		case []any:
			tc.Condition = cond
		case nil:
			tc.Condition = []any{}
		default:
			tc.Condition = []any{cond}
		}
		out = append(out, tc)
	}
	return out
}

// NormalizeCatalogue shapes the model answer into the catalogue tree.
// Nodes written with the flat itemName/itemTag vocabulary are accepted,
// nodes without an id get one from newID, and parentId is threaded down
// during a depth-first walk.
func NormalizeCatalogue(m map[string]any, bid string, newID func() string) *CatalogueResult {
	env, _ := EnvelopeOf(m)
	return &CatalogueResult{
		BidID:     bid,
		Envelope:  env,
		Catalogue: catalogueNodes(m["catalogue"], nil, newID),
	}
}

func catalogueNodes(v any, parent *string, newID func() string) []*CatalogueNode {
	items, _ := v.([]any)
	out := make([]*CatalogueNode, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			name := String(it)
			if name == "" {
				continue
			}
			m = map[string]any{"name": name}
		}

		id := String(m["id"])
		if id == "" {
			id = newID()
		}
		name := String(m["name"])
		if name == "" {
			name = String(m["itemName"])
		}
		tags, ok := m["tags"]
		if !ok {
			tags = m["itemTag"]
		}

		node := &CatalogueNode{
			ID:       id,
			Name:     name,
			ParentID: parent,
			Tags:     StringList(tags),
		}
		nodeID := id
		node.Children = catalogueNodes(m["children"], &nodeID, newID)
		out = append(out, node)
	}
	return out
}

// String renders any decoded JSON value as trimmed text. Lists are joined
// with commas, objects are re-encoded.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case []any:
		return strings.Join(StringList(t), ",")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func StringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s := String(it); s != "" {
				out = append(out, s)
			}
		}
		return out
	case nil:
		return []string{}
	default:
		if s := String(t); s != "" {
			return []string{s}
		}
		return []string{}
	}
}

// Number accepts JSON numbers and numeric strings ("15", "3,970,000.00").
func Number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.NewReplacer(",", "", "，", "", " ", "").Replace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Amount renders money with two decimals and no thousands separators. Values
// that are not numeric are kept as text.
func Amount(v any) string {
	if f, ok := Number(v); ok {
		return strconv.FormatFloat(f, 'f', 2, 64)
	}
	return String(v)
}

func object(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
