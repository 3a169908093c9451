package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vittlelabs/vittle/internal/foodparse"
	"github.com/vittlelabs/vittle/internal/nutrition"
)

// embedColorGreen is the embed sidebar color for a logged meal.
const embedColorGreen = 0x2ECC71

// Discord posts a meal summary embed to a fixed channel.
//
// The session is used for REST calls only; no gateway connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
}

var _ Notifier = (*Discord)(nil)

// NewDiscord creates a Discord notifier that posts to channelID.
func NewDiscord(token, channelID string) (*Discord, error) {
	if token == "" {
		return nil, fmt.Errorf("notify: discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("notify: discord channel ID is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

// MealLogged posts an embed summarising the confirmed items.
func (d *Discord) MealLogged(_ context.Context, user foodparse.UserRef, meal nutrition.MealType, items []nutrition.ParsedFoodItem) error {
	embed := buildMealEmbed(user, meal, items)
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		return fmt.Errorf("notify: send meal embed: %w", err)
	}
	return nil
}

// buildMealEmbed creates the meal summary embed.
func buildMealEmbed(user foodparse.UserRef, meal nutrition.MealType, items []nutrition.ParsedFoodItem) *discordgo.MessageEmbed {
	lines := make([]string, 0, len(items))
	total := 0
	for _, item := range items {
		lines = append(lines, formatItemLine(item))
		total += item.Calories
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Meal", Value: string(meal), Inline: true},
		{Name: "Items", Value: fmt.Sprintf("%d", len(items)), Inline: true},
		{Name: "Total", Value: fmt.Sprintf("%d kcal", total), Inline: true},
	}
	if len(lines) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Logged",
			Value:  strings.Join(lines, "\n"),
			Inline: false,
		})
	}

	return &discordgo.MessageEmbed{
		Title:  "Meal logged",
		Color:  embedColorGreen,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("user %s", user.ID),
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// formatItemLine renders one confirmed item as "2 large eggs (140 kcal)".
func formatItemLine(item nutrition.ParsedFoodItem) string {
	name := item.Name
	if item.Brand != "" {
		name = item.Brand + " " + name
	}
	qty := strconv.FormatFloat(item.Quantity, 'f', -1, 64)
	return fmt.Sprintf("%s %s %s (%d kcal)", qty, item.Unit, name, item.Calories)
}
