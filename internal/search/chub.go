package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/xaenox/persona-gateway/internal/models"
)

const (
	DefaultChubBaseURL   = "https://v2.chub.ai"
	DefaultChubAvatarURL = "https://avatars.charhub.io/avatars"
)

type Chub struct {
	baseURL   string
	avatarURL string
	http      *http.Client
}

func NewChub(baseURL, avatarURL string) *Chub {
	if baseURL == "" {
		baseURL = DefaultChubBaseURL
	}
	if avatarURL == "" {
		avatarURL = DefaultChubAvatarURL
	}
	return &Chub{
		baseURL:   strings.TrimRight(baseURL, "/"),
		avatarURL: strings.TrimRight(avatarURL, "/"),
		http:      &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Chub) Kind() models.Kind { return models.KindOpenAI }

func (c *Chub) Search(ctx context.Context, q Query) (*Result, error) {
	params := url.Values{}
	params.Set("search", q.Text)
	params.Set("first", strconv.Itoa(max(q.PageSize, 1)))
	params.Set("topics", q.Tags)
	params.Set("excludetopics", q.ExcludeTags)
	params.Set("page", strconv.Itoa(max(q.Page, 1)))
	params.Set("sort", q.Sort)
	params.Set("nsfw", strconv.FormatBool(q.AllowNSFW))

	body, err := c.get(ctx, "/search?"+params.Encode())
	if err != nil {
		return nil, err
	}

	res := &Result{Source: models.KindOpenAI, Query: normalizedChubQuery(q)}
	for _, node := range gjson.GetBytes(body, "data.nodes").Array() {
		p, err := c.personaFromNode(node)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Personas = append(res.Personas, p)
	}
	return res, nil
}

// Character fetches the full definition of a persona by its full path.
func (c *Chub) Character(ctx context.Context, fullPath string) (*models.Persona, error) {
	body, err := c.get(ctx, "/api/characters/"+fullPath+"?full=true")
	if err != nil {
		return nil, err
	}

	p, err := c.personaFromNode(gjson.GetBytes(body, "node"))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Chub) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON response")
	}
	return body, nil
}

func (c *Chub) personaFromNode(node gjson.Result) (models.Persona, error) {
	fullPath := node.Get("fullPath").String()
	name := node.Get("name").String()
	if !node.IsObject() || strings.TrimSpace(fullPath) == "" || strings.TrimSpace(name) == "" {
		return models.Persona{}, ErrInvalidPersona
	}

	def := node.Get("definition")
	definition := fmt.Sprintf("{{char}}'s personality: %s  Scenario of roleplay: %s  Example conversations between {{char}} and {{user}}: %s  ",
		def.Get("personality").String(),
		def.Get("scenario").String(),
		def.Get("example_dialogs").String())
	stars := int(node.Get("starCount").Int())

	return models.Persona{
		ID:           fullPath,
		Source:       models.KindOpenAI,
		Name:         name,
		Title:        node.Get("tagline").String(),
		Greeting:     def.Get("first_message").String(),
		Description:  node.Get("description").String(),
		AuthorName:   strings.Split(fullPath, "/")[0],
		AvatarURL:    fmt.Sprintf("%s/%s/avatar.webp", c.avatarURL, fullPath),
		Definition:   &definition,
		Interactions: int(node.Get("nChats").Int()),
		Stars:        &stars,
	}, nil
}

func normalizedChubQuery(q Query) string {
	query := q.Text
	if strings.TrimSpace(query) == "" {
		query = "no input"
	}
	if strings.TrimSpace(q.Tags) != "" {
		query += fmt.Sprintf(" (tags: %s)", q.Tags)
	}
	return query
}
