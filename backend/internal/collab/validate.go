package collab

import (
	"fmt"

	"tripCollabServer/backend/internal/itinerary"
)

// ValidateChange 在变更进入同步器之前做纯函数校验：
// 1) 角色门禁：viewer 一律 PERMISSION_DENIED
// 2) 结构校验：空 elementId、未知操作类型、insert/update 缺内容 → MALFORMED_CHANGE
// 不读写任何会话状态。
func ValidateChange(ch Change, role Role) error {
	if !role.CanEdit() {
		return ErrPermissionDenied
	}
	if len(ch.Ops) == 0 {
		return fmt.Errorf("empty operations: %w", ErrMalformedChange)
	}
	for i, op := range ch.Ops {
		if op.ElementID == "" {
			return fmt.Errorf("op[%d]: empty elementId: %w", i, ErrMalformedChange)
		}
		if !op.Kind.Valid() {
			return fmt.Errorf("op[%d]: unsupported kind %q: %w", i, op.Kind, ErrMalformedChange)
		}
		switch op.Kind {
		case itinerary.OpInsert, itinerary.OpUpdate:
			if op.Element == nil {
				return fmt.Errorf("op[%d]: %s without element payload: %w", i, op.Kind, ErrMalformedChange)
			}
			if !op.Element.Kind.Valid() {
				return fmt.Errorf("op[%d]: unsupported element kind %q: %w", i, op.Element.Kind, ErrMalformedChange)
			}
		}
	}
	return nil
}

// ValidateDocument 校验初始文档：elementId 非空且不重复。
func ValidateDocument(doc itinerary.Document) error {
	seen := make(map[string]struct{}, len(doc.Elements))
	for i, elem := range doc.Elements {
		if elem.ID == "" {
			return fmt.Errorf("element[%d]: empty id: %w", i, ErrMalformedChange)
		}
		if !elem.Kind.Valid() {
			return fmt.Errorf("element[%d]: unsupported kind %q: %w", i, elem.Kind, ErrMalformedChange)
		}
		if _, dup := seen[elem.ID]; dup {
			return fmt.Errorf("element[%d]: duplicate id %q: %w", i, elem.ID, ErrMalformedChange)
		}
		seen[elem.ID] = struct{}{}
	}
	return nil
}
