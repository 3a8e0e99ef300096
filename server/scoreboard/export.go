package scoreboard

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"adctf/server/game"
	"adctf/server/scoring"
)

// ExportExcel 把某轮的最终榜单导出成xlsx，赛后存档用
func (w *Writer) ExportExcel(tick int, out io.Writer) error {
	teams, err := game.LoadTeams(w.db)
	if err != nil {
		return err
	}
	teamNames := make(map[int]string, len(teams))
	for _, t := range teams {
		teamNames[t.ID] = t.Name
	}
	services, err := game.LoadServices(w.db, false)
	if err != nil {
		return err
	}
	ranking, err := w.calc.RankingForTick(tick)
	if err != nil {
		return err
	}
	points, err := w.pointsForTick(tick)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "排行榜"
	f.SetSheetName("Sheet1", sheetName)

	headers := []string{"名次", "队伍", "总分", "攻击分", "防御分", "SLA分"}
	for _, svc := range services {
		headers = append(headers, svc.Name+" 攻击", svc.Name+" 防御", svc.Name+" SLA",
			svc.Name+" 夺旗数", svc.Name+" 失旗数")
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, h)
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"FF6B00"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	lastCell, _ := excelize.CoordinatesToCellName(len(headers), 1)
	f.SetCellStyle(sheetName, "A1", lastCell, headerStyle)

	for i, r := range ranking {
		name := teamNames[r.TeamID]
		if name == "" {
			name = fmt.Sprintf("#%d", r.TeamID)
		}
		var off, def, sla float64
		var cells []any
		for _, svc := range services {
			tp := points[scoring.Key{TeamID: r.TeamID, ServiceID: svc.ID}]
			if tp == nil {
				tp = &game.TeamPoints{}
			}
			off += tp.OffPoints
			def += tp.DefPoints
			sla += tp.SLAPoints
			cells = append(cells, tp.OffPoints, tp.DefPoints, tp.SLAPoints,
				tp.FlagCapturedCount, tp.FlagStolenCount)
		}
		row := append([]any{r.Rank, name, r.Points, off, def, sla}, cells...)
		for j, val := range row {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			f.SetCellValue(sheetName, cell, val)
		}
	}

	_, err = f.WriteTo(out)
	return err
}
