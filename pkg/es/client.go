// Package es 提供了与 Elasticsearch 交互的客户端功能，用于会话标题检索。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"ruleout-go/internal/config"
	"ruleout-go/pkg/log"
)

// TitleDocument 是标题索引中的文档，文档 id 即会话 id。
type TitleDocument struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TitleIndex 维护会话标题的检索索引。
type TitleIndex interface {
	Index(ctx context.Context, doc TitleDocument) error
	Delete(ctx context.Context, conversationID string) error
	// Search 返回 userID 名下标题包含 query（不区分大小写）的会话 id，按更新时间倒序
	Search(ctx context.Context, userID, query string, limit int) ([]string, error)
}

const titleMapping = `{
	"mappings": {
		"properties": {
			"conversation_id": { "type": "keyword" },
			"user_id": { "type": "keyword" },
			"title": {
				"type": "text",
				"fields": { "keyword": { "type": "keyword", "ignore_above": 256 } }
			},
			"updated_at": { "type": "date" }
		}
	}
}`

// NewClient 初始化 Elasticsearch 客户端
func NewClient(esCfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

type titleIndex struct {
	client    *elasticsearch.Client
	indexName string
}

// NewTitleIndex 创建标题索引，索引不存在时按映射创建。
func NewTitleIndex(ctx context.Context, client *elasticsearch.Client, indexName string) (TitleIndex, error) {
	idx := &titleIndex{client: client, indexName: indexName}
	if err := idx.createIndexIfNotExists(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func (t *titleIndex) createIndexIfNotExists(ctx context.Context) error {
	res, err := t.client.Indices.Exists([]string{t.indexName}, t.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", t.indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = t.client.Indices.Create(
		t.indexName,
		t.client.Indices.Create.WithBody(strings.NewReader(titleMapping)),
		t.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", t.indexName, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", t.indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", t.indexName)
	return nil
}

// Index 写入或覆盖一条标题文档。
func (t *titleIndex) Index(ctx context.Context, doc TitleDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      t.indexName,
		DocumentID: doc.ConversationID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, t.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("索引标题到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index title")
	}
	return nil
}

// Delete 删除会话对应的标题文档，文档不存在不视为错误。
func (t *titleIndex) Delete(ctx context.Context, conversationID string) error {
	req := esapi.DeleteRequest{
		Index:      t.indexName,
		DocumentID: conversationID,
		Refresh:    "true",
	}
	res, err := req.Do(ctx, t.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		log.Errorf("从 Elasticsearch 删除标题出错: %s", res.String())
		return errors.New("failed to delete title")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

func (t *titleIndex) Search(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	body := map[string]interface{}{
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"user_id": userID}},
				},
				"must": []interface{}{
					map[string]interface{}{
						"wildcard": map[string]interface{}{
							"title.keyword": map[string]interface{}{
								"value":            "*" + escapeWildcard(query) + "*",
								"case_insensitive": true,
							},
						},
					},
				},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"updated_at": map[string]interface{}{"order": "desc"}},
		},
		"_source": false,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	res, err := t.client.Search(
		t.client.Search.WithContext(ctx),
		t.client.Search.WithIndex(t.indexName),
		t.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search titles: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("title search returned error: %s", res.String())
	}

	var out searchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	ids := make([]string, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		ids = append(ids, h.ID)
	}
	return ids, nil
}

var wildcardEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)

func escapeWildcard(s string) string {
	return wildcardEscaper.Replace(s)
}
