package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xaenox/persona-gateway/internal/models"
)

const caiAvatarBaseURL = "https://characterai.io/i"

type CharacterAI struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewCharacterAI(baseURL, token string) *CharacterAI {
	return &CharacterAI{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *CharacterAI) Kind() models.Kind { return models.KindCharacterAI }

// caiCharacter is the raw search summary.
type caiCharacter struct {
	ExternalID      *string `json:"external_id"`
	Tgt             *string `json:"participant__user__username"`
	Name            *string `json:"participant__name"`
	Title           string  `json:"title"`
	Greeting        *string `json:"greeting"`
	Description     string  `json:"description"`
	Author          string  `json:"user__username"`
	AvatarFileName  string  `json:"avatar_file_name"`
	ImageGenEnabled *bool   `json:"img_gen_enabled"`
	Interactions    *int    `json:"participant__num_interactions"`
}

// caiSearchResponse keeps entries raw so one malformed entry only skips itself.
type caiSearchResponse struct {
	Characters []json.RawMessage `json:"characters"`
}

func (c *CharacterAI) Search(ctx context.Context, q Query) (*Result, error) {
	endpoint := c.baseURL + "/chat/characters/search/?query=" + url.QueryEscape(q.Text)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var raw caiSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	res := &Result{Source: models.KindCharacterAI, Query: q.Text}
	for _, entry := range raw.Characters {
		var rc caiCharacter
		if err := json.Unmarshal(entry, &rc); err != nil {
			res.Skipped++
			continue
		}
		p, err := personaFromCharacterAI(rc)
		if err != nil {
			res.Skipped++
			continue
		}
		res.Personas = append(res.Personas, p)
	}
	return res, nil
}

func personaFromCharacterAI(c caiCharacter) (models.Persona, error) {
	if empty(c.ExternalID) || empty(c.Name) || empty(c.Greeting) {
		return models.Persona{}, ErrInvalidPersona
	}

	p := models.Persona{
		ID:          *c.ExternalID,
		Source:      models.KindCharacterAI,
		Name:        *c.Name,
		Title:       c.Title,
		Greeting:    *c.Greeting,
		Description: c.Description,
		AuthorName:  c.Author,
	}
	if c.AvatarFileName != "" {
		p.AvatarURL = fmt.Sprintf("%s/400/static/avatars/%s", caiAvatarBaseURL, c.AvatarFileName)
	}
	if c.ImageGenEnabled != nil {
		p.ImageGenEnabled = *c.ImageGenEnabled
	}
	if c.Interactions != nil {
		p.Interactions = *c.Interactions
	}
	return p, nil
}

func empty(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
