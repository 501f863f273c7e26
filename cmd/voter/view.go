package main

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"

	"magicchain/sender"
	"magicchain/types"
)

// view 终端输出，quiet 时什么都不打印
type view struct {
	quiet bool
}

func gridTable(g types.Grid) pterm.TableData {
	data := make(pterm.TableData, 0, len(g))
	for _, row := range g {
		cells := make([]string, len(row))
		for j, v := range row {
			if v == types.BlankCell {
				cells[j] = pterm.LightYellow("_")
			} else {
				cells[j] = strconv.Itoa(int(v))
			}
		}
		data = append(data, cells)
	}
	return data
}

func renderGrid(g types.Grid) string {
	s, err := pterm.DefaultTable.WithBoxed().WithData(gridTable(g)).Srender()
	if err != nil {
		return g.String()
	}
	return s
}

func (v *view) banner(nodeID, server string) {
	if v.quiet {
		return
	}
	title, err := pterm.DefaultBigText.WithLetters(
		pterm.NewLettersFromStringWithStyle("Magic", pterm.FgRed.ToStyle()),
		pterm.NewLettersFromStringWithStyle("Chain", pterm.FgDarkGray.ToStyle()),
	).Srender()
	if err == nil {
		pterm.Print(title)
	}
	pterm.Info.Printfln("Node ID: %s", pterm.LightCyan(nodeID))
	pterm.Info.Printfln("Server: %s", server)
}

func (v *view) problem(p types.Puzzle) {
	if v.quiet {
		return
	}
	pterm.DefaultSection.Printfln("Puzzle #%d (%d blanks)", p.ID, p.Blanks)
	pterm.Println(renderGrid(p.Matrix))
}

func (v *view) submitted(b *types.Block, resp *sender.SubmitBlockResponse) {
	if v.quiet {
		return
	}
	if resp.Accepted() {
		pterm.Success.Printfln("Block %d submitted, proposal %s", b.Index, resp.ProposalID)
	} else {
		pterm.Warning.Printfln("Block %d not accepted: %s", b.Index, resp.Message)
	}
}

func (v *view) verdict(b types.Block, verr error) {
	if v.quiet {
		return
	}
	pbox := pterm.DefaultBox.WithHorizontalPadding(2).WithTitle(fmt.Sprintf("|BLOCK %d by %s|", b.Index, b.NodeID)).WithTitleTopCenter()
	pbox.Println(renderGrid(b.Solution))
	if verr != nil {
		pterm.Error.Printfln("Rejecting block %d: %v", b.Index, verr)
	} else {
		pterm.Success.Printfln("Block %d verified", b.Index)
	}
}

func (v *view) voted(resp *sender.VoteResponse) {
	if v.quiet {
		return
	}
	msg := fmt.Sprintf("Vote %s (yes=%d no=%d)", resp.Status, resp.Yes, resp.No)
	if resp.Advanced {
		msg += ", round finalized"
	}
	pterm.Info.Println(msg)
}

func (v *view) appended(b *types.Block, balance int64) {
	if v.quiet {
		return
	}
	pterm.Info.Printfln("Local chain height %d, balance %d", b.Index, balance)
}
