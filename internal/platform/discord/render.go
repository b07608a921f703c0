package discord

import (
	"github.com/bwmarrin/discordgo"

	"gateflow/internal/platform"
)

const maxButtonsPerRow = 5

var toneColors = map[platform.Tone]int{
	platform.ToneInfo:     0x3498db,
	platform.ToneProgress: 0xf39c12,
	platform.ToneSuccess:  0x2ecc71,
	platform.ToneWarning:  0xe67e22,
	platform.ToneDanger:   0xe74c3c,
}

var buttonStyles = map[platform.ControlStyle]discordgo.ButtonStyle{
	platform.StylePrimary:   discordgo.PrimaryButton,
	platform.StyleSecondary: discordgo.SecondaryButton,
	platform.StyleSuccess:   discordgo.SuccessButton,
	platform.StyleDanger:    discordgo.DangerButton,
}

// renderMessage turns a surface into one embed and its button rows.
func renderMessage(msg platform.Message) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	embed := &discordgo.MessageEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       toneColors[msg.Tone],
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if msg.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: msg.Footer}
	}

	rows := []discordgo.MessageComponent{}
	var row []discordgo.MessageComponent
	for _, c := range msg.Controls {
		row = append(row, discordgo.Button{
			Label:    c.Label,
			Style:    buttonStyles[c.Style],
			CustomID: c.ID,
			Disabled: c.Disabled,
		})
		if len(row) == maxButtonsPerRow {
			rows = append(rows, discordgo.ActionsRow{Components: row})
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}
	return embed, rows
}
