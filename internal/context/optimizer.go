// Package context composes the per-turn memory block: relevance-scored
// sections fetched from the external dashboard, the local inner-state and
// self-model summaries, and the best-matching exploration notes.
package context

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	defaultExplorationLimit = 2
	explorationScanCap      = 50
	explorationTruncateLen  = 500
	dashboardTimeout        = 3 * time.Second
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "has": true, "was": true, "were": true,
	"you": true, "your": true, "they": true, "them": true, "what": true, "when": true,
	"where": true, "which": true, "about": true, "would": true, "could": true, "should": true,
	"there": true, "their": true, "been": true, "into": true, "than": true, "then": true,
	"will": true, "not": true, "can": true, "but": true, "all": true,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]{3,}`)

// Optimizer composes memory context blocks for each user turn.
type Optimizer struct {
	dashboardURL       string
	innerStatePath     string
	selfPath           string
	explorationsDir    string
	tokenBudget        int
	explorationLimit   int
	httpClient         *http.Client
}

// Config configures an Optimizer.
type Config struct {
	DashboardURL     string
	InnerStatePath   string
	SelfPath         string
	ExplorationsDir  string
	TokenBudget      int
	ExplorationLimit int
}

// New creates an Optimizer from cfg, applying the documented default for
// ExplorationLimit when unset.
func New(cfg Config) *Optimizer {
	limit := cfg.ExplorationLimit
	if limit <= 0 {
		limit = defaultExplorationLimit
	}
	return &Optimizer{
		dashboardURL:     cfg.DashboardURL,
		innerStatePath:   cfg.InnerStatePath,
		selfPath:         cfg.SelfPath,
		explorationsDir:  cfg.ExplorationsDir,
		tokenBudget:      cfg.TokenBudget,
		explorationLimit: limit,
		httpClient:       &http.Client{Timeout: dashboardTimeout},
	}
}

// Compose builds the full context block for user message m. Every
// underlying source fails soft: an empty block is always a valid result.
func (o *Optimizer) Compose(ctx context.Context, message string) string {
	memory := o.fetchDashboard(ctx, message)
	inner := o.renderInnerState()
	self := o.renderSelf()
	explorations := o.renderExplorations(message)

	if memory == "" && inner == "" && self == "" && explorations == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("[MEMORY CONTEXT — auto-loaded, memory+inner]\n")
	if memory != "" {
		b.WriteString(memory)
		b.WriteString("\n")
	}
	b.WriteString("[INNER STATE — your current emotional/cognitive state]\n")
	b.WriteString(inner)
	b.WriteString("\n[/INNER STATE]\n")
	b.WriteString("[SELF — who you think you are]\n")
	b.WriteString(self)
	b.WriteString("\n[/SELF]\n")
	b.WriteString("[EXPLORATIONS — relevant things you've explored]\n")
	b.WriteString(explorations)
	b.WriteString("\n[/EXPLORATIONS]\n")
	b.WriteString("[/MEMORY CONTEXT]")
	return b.String()
}

type dashboardResponse struct {
	Context         string `json:"context"`
	SectionsIncluded int   `json:"sections_included"`
	SectionsTotal    int   `json:"sections_total"`
	TotalTokens      int   `json:"total_tokens"`
	SectionsPruned   int   `json:"sections_pruned"`
}

func (o *Optimizer) fetchDashboard(ctx context.Context, message string) string {
	if o.dashboardURL == "" {
		return ""
	}
	q := message
	if len(q) > 300 {
		q = q[:300]
	}
	u := fmt.Sprintf("%s/api/context?query=%s&budget=%d", strings.TrimRight(o.dashboardURL, "/"), url.QueryEscape(q), o.tokenBudget)

	reqCtx, cancel := context.WithTimeout(ctx, dashboardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return ""
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var out dashboardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ""
	}
	return out.Context
}

type innerState struct {
	Mood             string   `json:"mood"`
	Energy           string   `json:"energy"`
	OnMyMind         []string `json:"on_my_mind"`
	CuriousAbout     []string `json:"curious_about"`
	NotableMoments   []string `json:"notable_moments"`
}

func (o *Optimizer) renderInnerState() string {
	if o.innerStatePath == "" {
		return ""
	}
	data, err := os.ReadFile(o.innerStatePath)
	if err != nil {
		return ""
	}
	var st innerState
	if err := json.Unmarshal(data, &st); err != nil {
		return ""
	}

	var b strings.Builder
	if st.Mood != "" {
		fmt.Fprintf(&b, "Mood: %s\n", st.Mood)
	}
	if st.Energy != "" {
		fmt.Fprintf(&b, "Energy: %s\n", st.Energy)
	}
	if len(st.OnMyMind) > 0 {
		fmt.Fprintf(&b, "On my mind: %s\n", strings.Join(st.OnMyMind, ", "))
	}
	curious := st.CuriousAbout
	if len(curious) > 3 {
		curious = curious[:3]
	}
	if len(curious) > 0 {
		fmt.Fprintf(&b, "Curious about: %s\n", strings.Join(curious, ", "))
	}
	if len(st.NotableMoments) > 0 {
		fmt.Fprintf(&b, "Most recent notable moment: %s\n", st.NotableMoments[len(st.NotableMoments)-1])
	}
	return strings.TrimRight(b.String(), "\n")
}

func (o *Optimizer) renderSelf() string {
	if o.selfPath == "" {
		return ""
	}
	data, err := os.ReadFile(o.selfPath)
	if err != nil {
		return ""
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var sections []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			sections = append(sections, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "## ") {
			flush()
			if len(sections) >= 2 {
				break
			}
			cur = append(cur, line)
			continue
		}
		if cur == nil {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		nonHeaderLines := len(cur) - 1
		if nonHeaderLines >= 8 {
			continue
		}
		cur = append(cur, line)
	}
	flush()
	if len(sections) > 2 {
		sections = sections[:2]
	}
	return strings.Join(sections, "\n\n")
}

type explorationCandidate struct {
	path    string
	topic   string
	body    string
	modTime time.Time
	score   int
}

func (o *Optimizer) renderExplorations(message string) string {
	if o.explorationsDir == "" {
		return ""
	}
	entries, err := os.ReadDir(o.explorationsDir)
	if err != nil {
		return ""
	}

	tokens := messageTokens(message)
	if len(tokens) == 0 {
		return ""
	}

	var candidates []explorationCandidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, explorationCandidate{
			path:    filepath.Join(o.explorationsDir, e.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	if len(candidates) > explorationScanCap {
		candidates = candidates[:explorationScanCap]
	}

	var scored []explorationCandidate
	for _, c := range candidates {
		data, err := os.ReadFile(c.path)
		if err != nil {
			continue
		}
		body := string(data)
		topic := extractTopic(body)
		lowerBody := strings.ToLower(body)
		lowerTopic := strings.ToLower(topic)

		score := 0
		for t := range tokens {
			if strings.Contains(lowerBody, t) {
				score++
			}
			if lowerTopic != "" && strings.Contains(lowerTopic, t) {
				score += 2
			}
		}
		if score <= 0 {
			continue
		}
		c.score = score
		c.body = body
		scored = append(scored, c)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > o.explorationLimit {
		scored = scored[:o.explorationLimit]
	}
	if len(scored) == 0 {
		return ""
	}

	var parts []string
	for _, c := range scored {
		body := c.body
		if len(body) > explorationTruncateLen {
			body = body[:explorationTruncateLen] + "[...truncated]"
		}
		parts = append(parts, body)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

var frontmatterTopic = regexp.MustCompile(`(?m)^topic:\s*(.+)$`)

func extractTopic(body string) string {
	m := frontmatterTopic.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(strings.Trim(m[1], `"'`))
}

func messageTokens(message string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(message), -1) {
		if stopWords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}
