package extract

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed prompts/*.tmpl
var promptsFS embed.FS

var prompts = template.Must(template.ParseFS(promptsFS, "prompts/*.tmpl"))

// CatalogueTag maps a response-document section to the business tags its
// entries receive.
type CatalogueTag struct {
	Section string
	Tags    []string
}

// DefaultCatalogueTags is the tag table used when none is configured.
var DefaultCatalogueTags = []CatalogueTag{
	{Section: "附件一：投标函"},
	{Section: "附件二：法定代表人授权书"},
	{Section: "附件三：报价一览表"},
	{Section: "附件四：商务条款偏离表"},
	{Section: "附件五：服务条款偏离表"},
	{Section: "附件六：合同条款偏离表"},
	{Section: "附件七：营业执照"},
	{Section: "附件八：银行开户证明"},
	{Section: "附件九：承诺函"},
	{Section: "附件十：综合实力", Tags: []string{"企业规模", "财务状况", "资质证书", "荣誉奖项"}},
	{Section: "附件十一：业绩经验", Tags: []string{"项目业绩"}},
	{Section: "附件十二：项目组成员", Tags: []string{"人员信息"}},
	{Section: "附件十三：招标业务能力"},
	{Section: "附件十四：自有专家库"},
	{Section: "附件十五：服务方案", Tags: []string{"服务方案"}},
	{Section: "附件十六：沟通、协调方案"},
	{Section: "附件十七：内部管理制度"},
	{Section: "附件十八：增值服务"},
	{Section: "附件十九：其他材料"},
	{Section: "附件二十：反商业贿赂承诺书"},
}

type promptData struct {
	Text      string
	Reference string
	Tags      []CatalogueTag
}

func render(name string, data promptData) (string, error) {
	var b strings.Builder
	if err := prompts.ExecuteTemplate(&b, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return b.String(), nil
}
