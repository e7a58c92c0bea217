package progression

import "sort"

// LessonStars is one lesson on the world map.
type LessonStars struct {
	LessonID      string     `json:"lessonId"`
	Type          LessonType `json:"type"`
	Star          int        `json:"star"`
	IsGemUnlocked bool       `json:"isGemUnlocked"`
}

// UnitStars aggregates a unit. LessonStars counts only lesson-type records,
// which is the sum that unlocks the unit challenge.
type UnitStars struct {
	UnitID      string        `json:"unitId"`
	Total       int           `json:"total"`
	LessonStars int           `json:"lessonStars"`
	Lessons     []LessonStars `json:"lessons"`
}

// LevelStars aggregates a level for the world map.
type LevelStars struct {
	LevelID string      `json:"levelId"`
	Total   int         `json:"total"`
	Units   []UnitStars `json:"units"`
}

// SummarizeLevel groups records of levelID by unit. Records from other
// levels are ignored. Units and lessons are sorted by ID.
func SummarizeLevel(levelID string, records []*MasteryRecord) LevelStars {
	out := LevelStars{LevelID: levelID, Units: []UnitStars{}}
	byUnit := make(map[string]*UnitStars)

	for _, rec := range records {
		if rec == nil || rec.LevelID != levelID {
			continue
		}
		u, ok := byUnit[rec.UnitID]
		if !ok {
			u = &UnitStars{UnitID: rec.UnitID}
			byUnit[rec.UnitID] = u
		}
		star := rec.Star.Int()
		u.Total += star
		if rec.Type == LessonTypeLesson {
			u.LessonStars += star
		}
		u.Lessons = append(u.Lessons, LessonStars{
			LessonID:      rec.LessonID,
			Type:          rec.Type,
			Star:          star,
			IsGemUnlocked: rec.IsGemUnlocked,
		})
		out.Total += star
	}

	for _, u := range byUnit {
		sort.Slice(u.Lessons, func(i, j int) bool { return u.Lessons[i].LessonID < u.Lessons[j].LessonID })
		out.Units = append(out.Units, *u)
	}
	sort.Slice(out.Units, func(i, j int) bool { return out.Units[i].UnitID < out.Units[j].UnitID })

	return out
}

// TotalStars sums Star over records.
func TotalStars(records []*MasteryRecord) int {
	total := 0
	for _, rec := range records {
		if rec != nil {
			total += rec.Star.Int()
		}
	}
	return total
}
