package itinerary

import (
	"errors"
	"fmt"
)

// 行程文档：有序的可寻址元素列表。
// 每个元素有稳定的 elementId，协同合并时按 elementId 判定冲突，
// 不做字符级 OT/CRDT（非目标）。

type ElementKind string

const (
	KindActivity ElementKind = "activity"
	KindBooking  ElementKind = "booking"
	KindNote     ElementKind = "note"
)

func (k ElementKind) Valid() bool {
	switch k {
	case KindActivity, KindBooking, KindNote:
		return true
	default:
		return false
	}
}

// Element 是行程中的一项（活动/预订/备注）。
type Element struct {
	ID       string         `json:"id"`
	Kind     ElementKind    `json:"kind"`
	Title    string         `json:"title,omitempty"`
	Day      int            `json:"day,omitempty"`
	Location string         `json:"location,omitempty"`
	StartAt  string         `json:"startAt,omitempty"`
	EndAt    string         `json:"endAt,omitempty"`
	Notes    string         `json:"notes,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"` // 预留：价格/链接等扩展字段
}

type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

func (k OpKind) Valid() bool {
	switch k {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// Op 是针对单个元素的编辑操作。
// - insert: Element 为新元素内容，After 指定插入到哪个元素之后（空串=追加到末尾）
// - update: Element 为新内容，整体替换
// - delete: 只需要 ElementID
type Op struct {
	Kind      OpKind   `json:"kind"`
	ElementID string   `json:"elementId"`
	Element   *Element `json:"element,omitempty"`
	After     string   `json:"after,omitempty"`
}

type Ops []Op

var (
	ErrElementExists   = errors.New("ELEMENT_EXISTS")
	ErrElementNotFound = errors.New("ELEMENT_NOT_FOUND")
)

// Document 是会话的权威文档内容。只在同步器的会话锁内被修改。
type Document struct {
	Elements []Element `json:"elements"`
}

func (d *Document) Len() int { return len(d.Elements) }

// IndexOf 返回元素下标，不存在返回 -1。
func (d *Document) IndexOf(elementID string) int {
	for i := range d.Elements {
		if d.Elements[i].ID == elementID {
			return i
		}
	}
	return -1
}

func (d *Document) Has(elementID string) bool { return d.IndexOf(elementID) >= 0 }

// Clone 深拷贝元素列表（Attrs 按浅拷贝处理，应用操作时整体替换而不是原地改）。
func (d *Document) Clone() Document {
	out := Document{Elements: make([]Element, len(d.Elements))}
	copy(out.Elements, d.Elements)
	return out
}

// Apply 应用单个操作。调用方（同步器）已经做过冲突判定，
// 这里只负责结构性的存在/不存在校验。
func (d *Document) Apply(op Op) error {
	switch op.Kind {
	case OpInsert:
		if op.Element == nil {
			return fmt.Errorf("insert %s: missing element payload", op.ElementID)
		}
		if d.Has(op.ElementID) {
			return fmt.Errorf("insert %s: %w", op.ElementID, ErrElementExists)
		}
		elem := *op.Element
		elem.ID = op.ElementID // elementId 以操作为准
		if op.After == "" {
			d.Elements = append(d.Elements, elem)
			return nil
		}
		at := d.IndexOf(op.After)
		if at < 0 {
			// 锚点元素不存在时退化为追加，插入本身不丢失
			d.Elements = append(d.Elements, elem)
			return nil
		}
		d.Elements = append(d.Elements, Element{})
		copy(d.Elements[at+2:], d.Elements[at+1:])
		d.Elements[at+1] = elem
		return nil

	case OpUpdate:
		at := d.IndexOf(op.ElementID)
		if at < 0 {
			return fmt.Errorf("update %s: %w", op.ElementID, ErrElementNotFound)
		}
		if op.Element == nil {
			return fmt.Errorf("update %s: missing element payload", op.ElementID)
		}
		elem := *op.Element
		elem.ID = op.ElementID
		d.Elements[at] = elem
		return nil

	case OpDelete:
		at := d.IndexOf(op.ElementID)
		if at < 0 {
			return fmt.Errorf("delete %s: %w", op.ElementID, ErrElementNotFound)
		}
		d.Elements = append(d.Elements[:at], d.Elements[at+1:]...)
		return nil

	default:
		return fmt.Errorf("unsupported op kind %q", op.Kind)
	}
}
