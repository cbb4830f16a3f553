package store

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charlesren/netcfg/connection"
	"github.com/charlesren/netcfg/internal/xlog"
	"github.com/xuri/excelize/v2"
)

// InventorySheet 设备清单所在工作表
const InventorySheet = "Devices"

var inventoryHeader = []string{"Address", "Family", "Port", "AuthRef", "NeedsVerification", "LastOutcome", "UpdatedAt"}

// ImportInventory 从xlsx读取设备清单。列顺序为 Address、Family、Port、AuthRef，
// 表头行和以 # 开头的说明行被跳过；找不到 Devices 表时读取第一个工作表。
func ImportInventory(r io.Reader) ([]DeviceRecord, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			xlog.Errorf(storeModule, "close workbook with err: %v", err)
		}
	}()

	sheet := InventorySheet
	if idx, _ := f.GetSheetIndex(sheet); idx < 0 {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s: %w", sheet, err)
	}

	var out []DeviceRecord
	for i, row := range rows {
		for len(row) < 4 {
			row = append(row, "")
		}
		addr := strings.TrimSpace(row[0])
		if addr == "" || strings.HasPrefix(addr, "#") || strings.EqualFold(addr, "address") {
			continue
		}

		rec := DeviceRecord{
			Address: addr,
			Family:  connection.Family(strings.TrimSpace(row[1])),
			AuthRef: strings.TrimSpace(row[3]),
		}
		if p := strings.TrimSpace(row[2]); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("row %d: invalid port %q", i+1, p)
			}
			rec.Port = port
		}
		ep := rec.Endpoint()
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		rec.Family, rec.Port = ep.Family, ep.Port
		out = append(out, rec)
	}
	xlog.Infof(storeModule, "imported %d devices from sheet %s", len(out), sheet)
	return out, nil
}

// ExportInventory 把设备清单写成xlsx
func ExportInventory(w io.Writer, records []DeviceRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", InventorySheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(InventorySheet, "A1", &inventoryHeader); err != nil {
		return err
	}

	for i, rec := range records {
		outcome, updated := "", ""
		if rec.LastResult != nil {
			outcome = string(rec.LastResult.Outcome)
		}
		if !rec.UpdatedAt.IsZero() {
			updated = rec.UpdatedAt.Format("2006-01-02 15:04:05")
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			rec.Address, string(rec.Family), rec.Port, rec.AuthRef,
			rec.NeedsVerification, outcome, updated,
		}
		if err := f.SetSheetRow(InventorySheet, cell, &row); err != nil {
			return err
		}
	}

	_, err := f.WriteTo(w)
	return err
}

// MergeInventory 把导入的清单写入存储。已有记录只更新类型、端口和凭据引用，
// 下发历史保持不变。
func MergeInventory(ctx context.Context, s ConfigStore, records []DeviceRecord) (created, updated int, err error) {
	for _, in := range records {
		_, isNew, err := Update(ctx, s, in.Address, func(rec *DeviceRecord, _ bool) error {
			rec.Family, rec.Port = in.Family, in.Port
			if in.AuthRef != "" {
				rec.AuthRef = in.AuthRef
			}
			return nil
		})
		if err != nil {
			return created, updated, err
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}
