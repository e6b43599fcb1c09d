package task

// Return codes shared by every family envelope.
const (
	CodeSuccess    = "0000"
	CodeInProgress = "0001"
	CodeFailed     = "9999"

	MessageSuccess    = "解析成功"
	MessageInProgress = "解析中"
	MessageFailed     = "解析失败"
)

// Result is a family-specific payload wrapped in the retCode/retMessage envelope.
type Result interface {
	Family() Family
	Code() string
	Message() string
}

type Envelope struct {
	RetCode    string `json:"retCode"`
	RetMessage string `json:"retMessage"`
}

func (e Envelope) Code() string    { return e.RetCode }
func (e Envelope) Message() string { return e.RetMessage }

type ProjectInfo struct {
	ProjectCode     string `json:"projectCode,omitempty"`
	ProjectName     string `json:"projectName,omitempty"`
	CustomerName    string `json:"customerName,omitempty"`
	BidOpenTime     string `json:"bidOpenTime,omitempty"`
	BidDeadlineTime string `json:"bidDeadlineTime,omitempty"`
	BidAddress      string `json:"bidAddress,omitempty"`
	BudgetAmount    string `json:"budgetAmount,omitempty"`
}

type BidContactInfo struct {
	BidAgentOrg        string `json:"bidAgentOrg,omitempty"`
	AgentContactPerson string `json:"agentContactPerson,omitempty"`
	AgentContactPhone  string `json:"agentContactPhone,omitempty"`
}

type BidBond struct {
	BondAccountNumber string `json:"bondAccountNumber,omitempty"`
	BondAccountName   string `json:"bondAccountName,omitempty"`
	BondAccountBranch string `json:"bondAccountBranch,omitempty"`
	BondAmount        string `json:"bondAmount,omitempty"`
	BondDeadlineTime  string `json:"bondDeadlineTime,omitempty"`
}

// BaseResult carries project metadata, agent contacts and the bid bond.
type BaseResult struct {
	Envelope
	ProjectInfo    ProjectInfo    `json:"projectInfo"`
	BidContactInfo BidContactInfo `json:"bidContactInfo"`
	BidBond        BidBond        `json:"bidBond"`
}

func (*BaseResult) Family() Family { return FamilyBase }

type TagCondition struct {
	FieldName string `json:"fieldName"`
	Judge     string `json:"judge"`
	Condition []any  `json:"condition"`
}

type Criterion struct {
	ItemName     string         `json:"itemName"`
	Score        float64        `json:"score"`
	ItemTag      string         `json:"itemTag"`
	Quantity     *float64       `json:"quantity,omitempty"`
	TagCondition []TagCondition `json:"TagCondition"`
}

// ScoreResult lists the business scoring criteria of a tender.
type ScoreResult struct {
	Envelope
	Criteria []Criterion `json:"criteria"`
}

func (*ScoreResult) Family() Family { return FamilyScore }

// CatalogueNode is one entry of the response-document catalogue tree.
// ParentID is null for top level nodes.
type CatalogueNode struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	ParentID *string          `json:"parentId"`
	Tags     []string         `json:"tags"`
	Children []*CatalogueNode `json:"children"`
}

type CatalogueResult struct {
	BidID string `json:"bidId"`
	Envelope
	Catalogue []*CatalogueNode `json:"catalogue"`
}

func (*CatalogueResult) Family() Family { return FamilyCatalogue }

// Placeholder builds an envelope with empty payload fields, used for
// failures and for answering queries on tasks that are not finished yet.
func Placeholder(f Family, bid, code, message string) Result {
	env := Envelope{RetCode: code, RetMessage: message}
	switch f {
	case FamilyScore:
		return &ScoreResult{Envelope: env, Criteria: []Criterion{}}
	case FamilyCatalogue:
		return &CatalogueResult{BidID: bid, Envelope: env, Catalogue: []*CatalogueNode{}}
	default:
		return &BaseResult{Envelope: env}
	}
}

// Failed is the envelope stored for a task that ended in error.
func Failed(f Family, bid, message string) Result {
	if message == "" {
		message = MessageFailed
	}
	return Placeholder(f, bid, CodeFailed, message)
}
