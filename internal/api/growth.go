package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/skkmth-sudo/ai-tanken/internal/remote"
)

// maxGrowthPoints caps the bullet list shown on the guardian dashboard.
const maxGrowthPoints = 3

const growthPromptHeader = `以下は子どもの会話ログです。
文章の癖・言語発達・語彙の使い方を見て、
「成長ポイント」を3つだけやさしく書いてください。

条件:
- 箇条書き
- 「できたこと」「使えていた」「挑戦できた」など肯定ワード必須
- 指導目線ではなく成長観察目線
- 厳しさや減点表現は禁止

# 会話ログ
`

var bulletPrefix = regexp.MustCompile(`^[・\-●\*]\s*`)

type growthBody struct {
	Messages json.RawMessage `json:"messages"`
}

// handleGrowth summarizes a transcript into up to three positive "growth
// points" for the guardian dashboard.
func (h *Handler) handleGrowth(w http.ResponseWriter, r *http.Request) {
	var body growthBody
	if err := decodeBody(w, r, &body); err != nil || len(body.Messages) == 0 {
		Error(w, http.StatusBadRequest, "fail")
		return
	}

	prompt := growthPromptHeader + string(body.Messages)
	text, err := h.model.Complete(r.Context(), []remote.ChatMessage{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		slog.Error("growth summary failed", "error", err)
		Error(w, http.StatusInternalServerError, "fail")
		return
	}

	points := make([]string, 0, maxGrowthPoints)
	for _, line := range strings.Split(text, "\n") {
		p := strings.TrimSpace(bulletPrefix.ReplaceAllString(strings.TrimSpace(line), ""))
		if p == "" {
			continue
		}
		points = append(points, p)
		if len(points) == maxGrowthPoints {
			break
		}
	}

	JSON(w, http.StatusOK, map[string]any{"growthPoints": points})
}
