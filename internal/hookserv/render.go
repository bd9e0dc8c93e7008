package hookserv

import (
	"fmt"
	"strings"

	"github.com/johnfrench/hipkarma/internal/core/models"
)

func points(n int) string {
	if n == 1 || n == -1 {
		return "point"
	}
	return "points"
}

func renderGive(recipient models.KarmicEntity, value models.KarmaValue) string {
	verb := "gained"
	if value == models.KarmaBad {
		verb = "lost"
	}
	return fmt.Sprintf("%s %s a point and now has %d %s.",
		recipient.DisplayName(), verb, recipient.Karma, points(recipient.Karma))
}

func renderSelfKarma(mentionName string) string {
	if mentionName == "" {
		return "Nice try, but you cannot give yourself karma."
	}
	return fmt.Sprintf("Nice try, @%s, but you cannot give yourself karma.", mentionName)
}

func renderNeverReceived(display string) string {
	return fmt.Sprintf("%s has never received any karma.", display)
}

func renderShow(entity models.KarmicEntity, good, bad []models.Karma) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s has %d %s (highest: %d, lowest: %d).",
		entity.DisplayName(), entity.Karma, points(entity.Karma), entity.MaxKarma, entity.MinKarma)

	if len(good) > 0 {
		b.WriteString("\nGood things people said:")
		for _, k := range good {
			fmt.Fprintf(&b, "\n  + %s", k.Comment)
		}
	}
	if len(bad) > 0 {
		b.WriteString("\nBad things people said:")
		for _, k := range bad {
			fmt.Fprintf(&b, "\n  - %s", k.Comment)
		}
	}

	return b.String()
}

func renderHelp(chatName string) string {
	return strings.Join([]string{
		"Give karma with ++ and take it away with --:",
		"  bob++  @bob++ # thanks for the review  (two word thing)--",
		fmt.Sprintf("Check a total with: @%s for @bob", chatName),
		"Comments after # or // are kept and quoted back later.",
	}, "\n")
}
