package extract

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podushkina/bidparse/internal/task"
)

type scriptedLLM struct {
	mu      sync.Mutex
	answers []string
	prompts []string
	err     error
}

func (s *scriptedLLM) Complete(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.answers) == 0 {
		return "", errors.New("no scripted answer")
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func record() *task.Record {
	return &task.Record{ID: "task-1", Bid: "T-001", FilePath: "/scratch/x.docx"}
}

func TestParseObject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{
			name: "plain",
			raw:  `{"retCode":"0000"}`,
			want: map[string]any{"retCode": "0000"},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"a\": \"b\"}\n```",
			want: map[string]any{"a": "b"},
		},
		{
			name: "commentary around",
			raw:  "好的，结果如下：\n{\"a\": {\"b\": \"c\"}}\n以上为解析结果 {注}",
			want: map[string]any{"a": map[string]any{"b": "c"}},
		},
		{
			name: "braces inside strings",
			raw:  `{"name": "附件{一}", "note": "quote \" and }"}`,
			want: map[string]any{"name": "附件{一}", "note": "quote \" and }"},
		},
		{
			name: "leading brace noise",
			raw:  `{not json} then {"ok": true}`,
			want: map[string]any{"ok": true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObject(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseObject_Malformed(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"a": `, "[1,2,3]", `{"a": 1,}`} {
		_, err := ParseObject(raw)
		assert.ErrorIs(t, err, ErrMalformedOutput, raw)
	}
}

func TestParseObject_BrokenOuterObject(t *testing.T) {
	for _, raw := range []string{
		`{"retCode":"0000","projectInfo":{"projectCode":"X"},"bidBond":{"bondAmount":1},}`,
		"```json\n{\"criteria\": [{\"itemName\": \"价格\"} {\"itemName\": \"业绩\"}]}\n```",
	} {
		_, err := ParseObject(raw)
		assert.ErrorIs(t, err, ErrMalformedOutput, raw)
	}
}

func TestParseObject_CandidateAfterBrokenObject(t *testing.T) {
	got, err := ParseObject(`{"a": {"b": 1},} 修正后：{"a": {"b": 2}}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": map[string]any{"b": json.Number("2")}}, got)
}

func TestParseObject_KeepsNumbers(t *testing.T) {
	got, err := ParseObject(`{"amount": 3970000.00}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("3970000.00"), got["amount"])
}

func TestBase_TwoStage(t *testing.T) {
	llm := &scriptedLLM{answers: []string{
		"```json\n{\"返回状态\": {\"retCode\": \"0000\", \"retMessage\": \"\"}, \"projectInfo\": {\"projectCode\": \"2024-JL05-W1813\"}}\n```",
		`{"retCode": "0000", "retMessage": "解析成功", "projectInfo": {"projectCode": "2024-JL05-W1813", "budgetAmount": "3,970,000"}, "bidBond": {"bondAmount": 450000}}`,
	}}

	res, err := NewBase(llm, true).Extract(context.Background(), "招标文件正文", record())
	require.NoError(t, err)

	base, ok := res.(*task.BaseResult)
	require.True(t, ok)
	assert.Equal(t, task.CodeSuccess, base.RetCode)
	assert.Equal(t, "2024-JL05-W1813", base.ProjectInfo.ProjectCode)
	assert.Equal(t, "3970000.00", base.ProjectInfo.BudgetAmount)
	assert.Equal(t, "450000.00", base.BidBond.BondAmount)

	require.Len(t, llm.prompts, 2)
	assert.Contains(t, llm.prompts[0], "招标文件正文")
	assert.NotContains(t, llm.prompts[1], "招标文件正文")
	assert.Contains(t, llm.prompts[1], "2024-JL05-W1813")
}

func TestBase_StageOneGate(t *testing.T) {
	llm := &scriptedLLM{answers: []string{
		`{"返回状态": {"retCode": "9999"}}`,
	}}

	_, err := NewBase(llm, true).Extract(context.Background(), "text", record())
	require.ErrorIs(t, err, ErrUpstreamRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "9999", rejected.Code)
	assert.Equal(t, unknownError, rejected.Message)
	assert.Len(t, llm.prompts, 1, "second stage must not run")
}

func TestBase_StageOneWithoutCodeIsRejected(t *testing.T) {
	llm := &scriptedLLM{answers: []string{
		`{"note": "no tender found"}`,
		`{"retCode": "0000", "projectInfo": {"projectName": "设备采购"}}`,
	}}

	_, err := NewBase(llm, true).Extract(context.Background(), "text", record())
	require.ErrorIs(t, err, ErrUpstreamRejected)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Empty(t, rejected.Code)
	assert.Equal(t, unknownError, rejected.Message)
	assert.Len(t, llm.prompts, 1, "second stage must not run")
}

func TestScore_StageOneWithoutCodeIsRejected(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`{"scoreCriteria": "价格30分"}`, `{"retCode": "0000", "criteria": []}`}}

	_, err := NewScore(llm, true, "").Extract(context.Background(), "text", record())
	assert.ErrorIs(t, err, ErrUpstreamRejected)
	assert.Len(t, llm.prompts, 1)
}

func TestBase_SingleStage(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`{"retCode": "0000"}`}}

	_, err := NewBase(llm, false).Extract(context.Background(), "原文", record())
	require.NoError(t, err)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "原文")
}

func TestBase_FinalAnswerRejected(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`{"retCode": "9999", "retMessage": "文件不是招标文件"}`}}

	_, err := NewBase(llm, false).Extract(context.Background(), "text", record())
	assert.ErrorIs(t, err, ErrUpstreamRejected)
	assert.Contains(t, err.Error(), "文件不是招标文件")
}

func TestBase_BrokenFinalAnswerFails(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`{"retCode":"0000","projectInfo":{"projectCode":"X"},"bidBond":{"bondAmount":1},}`}}

	res, err := NewBase(llm, false).Extract(context.Background(), "text", record())
	assert.ErrorIs(t, err, ErrMalformedOutput)
	assert.Nil(t, res)
}

func TestBase_MalformedAnswer(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"抱歉，我无法处理该文件。"}}

	_, err := NewBase(llm, false).Extract(context.Background(), "text", record())
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestBase_CompletionError(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("connection refused")}

	_, err := NewBase(llm, true).Extract(context.Background(), "text", record())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestScore_TwoStageWithReference(t *testing.T) {
	ref := filepath.Join(t.TempDir(), "struct.txt")
	require.NoError(t, os.WriteFile(ref, []byte("project(projectDate, projectName, projectAmount)"), 0o600))

	llm := &scriptedLLM{answers: []string{
		`{"返回状态": {"retCode": "0000"}, "scoreCriteria": "价格部分满分30分；项目业绩每个得5分，最高15分。"}`,
		`{"criteria": [{"itemName": "项目业绩", "score": "15", "TagCondition": [{"fieldName": "projectDate", "judge": "between", "condition": ["2022-07", "2025-07"]}]}, {"itemName": "价格"}]}`,
	}}

	res, err := NewScore(llm, true, ref).Extract(context.Background(), "全文", record())
	require.NoError(t, err)

	score := res.(*task.ScoreResult)
	require.Len(t, score.Criteria, 2)
	assert.Equal(t, 15.0, score.Criteria[0].Score)
	assert.Equal(t, "BETWEEN", score.Criteria[0].TagCondition[0].Judge)
	assert.Equal(t, 0.0, score.Criteria[1].Score)
	assert.Equal(t, "", score.Criteria[1].ItemTag)
	assert.Equal(t, []task.TagCondition{}, score.Criteria[1].TagCondition)

	require.Len(t, llm.prompts, 2)
	assert.Contains(t, llm.prompts[1], "价格部分满分30分")
	assert.Contains(t, llm.prompts[1], "project(projectDate, projectName, projectAmount)")
	assert.NotContains(t, llm.prompts[1], "全文")
}

func TestScore_MissingReferenceFile(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`{"返回状态": {"retCode": "0000"}, "scoreCriteria": "x"}`}}

	_, err := NewScore(llm, true, filepath.Join(t.TempDir(), "missing.txt")).Extract(context.Background(), "text", record())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "数据库结构文件不存在")
}

func TestScore_WithoutReference(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`{"retCode": "0000", "criteria": []}`}}

	res, err := NewScore(llm, false, "").Extract(context.Background(), "text", record())
	require.NoError(t, err)
	assert.Empty(t, res.(*task.ScoreResult).Criteria)
	assert.NotContains(t, llm.prompts[0], "数据库表结构参考")
}

func TestCatalogue_Extract(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`以下为结果：{"retCode": "0000", "retMessage": "解析成功", "catalogue": [
		{"itemName": "附件一：投标函", "itemTag": []},
		{"name": "附件十：综合实力", "tags": ["企业规模"], "children": [{"name": "资质证书"}]}
	]}`}}

	c := NewCatalogue(llm, nil)
	res, err := c.Extract(context.Background(), "目录正文", record())
	require.NoError(t, err)

	cat := res.(*task.CatalogueResult)
	assert.Equal(t, "T-001", cat.BidID)
	require.Len(t, cat.Catalogue, 2)

	first, second := cat.Catalogue[0], cat.Catalogue[1]
	assert.Equal(t, "附件一：投标函", first.Name)
	assert.Nil(t, first.ParentID)
	assert.Len(t, first.ID, 26)
	assert.NotEqual(t, first.ID, second.ID)

	require.Len(t, second.Children, 1)
	require.NotNil(t, second.Children[0].ParentID)
	assert.Equal(t, second.ID, *second.Children[0].ParentID)

	assert.Contains(t, llm.prompts[0], `| 附件十：综合实力 | ["企业规模", "财务状况", "资质证书", "荣誉奖项"] |`)
	assert.Contains(t, llm.prompts[0], "| 附件一：投标函 | [] |")
}

func TestCatalogue_CustomTags(t *testing.T) {
	llm := &scriptedLLM{answers: []string{`{"catalogue": []}`}}

	_, err := NewCatalogue(llm, []CatalogueTag{{Section: "技术方案", Tags: []string{"技术架构"}}}).
		Extract(context.Background(), "text", record())
	require.NoError(t, err)
	assert.Contains(t, llm.prompts[0], `| 技术方案 | ["技术架构"] |`)
	assert.NotContains(t, llm.prompts[0], "附件一")
}

func TestCompletionClient(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"retCode\":\"0000\"}"}}]}`))
	}))
	defer srv.Close()

	c := &CompletionClient{URL: srv.URL, APIKey: "secret", Model: "qwen", Timeout: time.Second}
	out, err := c.Complete(context.Background(), "提示词")
	require.NoError(t, err)
	assert.Equal(t, `{"retCode":"0000"}`, out)

	assert.Equal(t, "qwen", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "提示词", got.Messages[0].Content)
}

func TestCompletionClient_OmitsEmptyModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NotContains(t, string(body), `"model"`)
		assert.Contains(t, string(body), `"stream":false`)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	out, err := (&CompletionClient{URL: srv.URL}).Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestCompletionClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down", want: "unexpected status 502"},
		{name: "error object", status: http.StatusOK, body: `{"error":{"message":"context length exceeded"}}`, want: "context length exceeded"},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`, want: "empty response"},
		{name: "not json", status: http.StatusOK, body: `<html>`, want: "decode completion response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := (&CompletionClient{URL: srv.URL}).Complete(context.Background(), "p")
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestCompletionClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := (&CompletionClient{URL: srv.URL, Timeout: 50 * time.Millisecond}).Complete(context.Background(), "p")
	assert.Error(t, err)
}
