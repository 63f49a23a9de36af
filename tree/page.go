package tree

import (
	"strings"

	"gorm.io/gorm"
)

const DefaultPageSize = 10

type PageRequest struct {
	Number int
	Size   int
}

func (p PageRequest) normalize() PageRequest {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	return p
}

// Page is one page of nodes plus the totals a paginator needs.
type Page struct {
	Items    []Node `json:"data"`
	Total    int64  `json:"total"`
	Page     int    `json:"current_page"`
	PerPage  int    `json:"per_page"`
	LastPage int    `json:"last_page"`
}

// HasMore reports whether a later page exists.
func (p *Page) HasMore() bool { return p.Page < p.LastPage }

func paginate(base *gorm.DB, req PageRequest, order ...string) (*Page, error) {
	req = req.normalize()
	base = base.Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, err
	}

	q := base.Select("nodes.*")
	for _, o := range order {
		q = q.Order(o)
	}
	items := []Node{}
	if err := q.Limit(req.Size).Offset((req.Number - 1) * req.Size).Find(&items).Error; err != nil {
		return nil, err
	}

	last := int((total + int64(req.Size) - 1) / int64(req.Size))
	if last < 1 {
		last = 1
	}
	return &Page{Items: items, Total: total, Page: req.Number, PerPage: req.Size, LastPage: last}, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// whereNameLike filters by substring on the node name.
func whereNameLike(q *gorm.DB, search string) *gorm.DB {
	return q.Where(`nodes.name LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(search)+"%")
}
