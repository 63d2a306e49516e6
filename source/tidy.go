package source

import (
	"sort"
	"strings"
)

// Aggregate derives district and state rows from campus rows and returns the
// full wide table: the state row, then each district (by ID) followed by its
// campuses (by ID). Missing cells are skipped in sums.
func Aggregate(campuses []Enrollment) []Enrollment {
	if len(campuses) == 0 {
		return []Enrollment{}
	}

	endYear := campuses[0].EndYear
	state := Enrollment{
		EndYear:   endYear,
		Type:      TypeState,
		Grades:    map[string]int{},
		Subgroups: map[string]int{},
	}

	districts := map[string]*Enrollment{}
	members := map[string][]Enrollment{}
	for _, c := range campuses {
		d, ok := districts[c.DistrictID]
		if !ok {
			d = &Enrollment{
				EndYear:      c.EndYear,
				Type:         TypeDistrict,
				DistrictID:   c.DistrictID,
				DistrictName: c.DistrictName,
				County:       c.County,
				Grades:       map[string]int{},
				Subgroups:    map[string]int{},
			}
			districts[c.DistrictID] = d
		}
		if d.DistrictName == "" {
			d.DistrictName = c.DistrictName
		}
		addInto(d, c)
		addInto(&state, c)
		members[c.DistrictID] = append(members[c.DistrictID], c)
	}

	ids := make([]string, 0, len(districts))
	for id := range districts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Enrollment, 0, len(campuses)+len(ids)+1)
	out = append(out, state)
	for _, id := range ids {
		out = append(out, *districts[id])
		schools := members[id]
		sort.SliceStable(schools, func(i, j int) bool { return schools[i].CampusID < schools[j].CampusID })
		for _, s := range schools {
			s.DistrictName = districts[id].DistrictName
			out = append(out, s)
		}
	}
	return out
}

func addInto(dst *Enrollment, src Enrollment) {
	dst.Total += src.Total
	for g, n := range src.Grades {
		dst.Grades[g] += n
	}
	for s, n := range src.Subgroups {
		dst.Subgroups[s] += n
	}
}

// Tidy converts wide rows into long records, one count per row.
// Missing grades and subgroups produce no record.
func Tidy(rows []Enrollment) []Record {
	out := make([]Record, 0, len(rows)*(len(GradeOrder)+1))
	for _, e := range rows {
		base := Record{
			EndYear:      e.EndYear,
			Type:         e.Type,
			DistrictID:   e.DistrictID,
			DistrictName: e.DistrictName,
			CampusID:     e.CampusID,
			CampusName:   e.CampusName,
			IsState:      e.Type == TypeState,
			IsDistrict:   e.Type == TypeDistrict,
			IsCampus:     e.Type == TypeCampus,
		}

		total := base
		total.GradeLevel = GradeTotal
		total.Subgroup = SubgroupTotal
		total.NStudents = e.Total
		total.Pct = 1
		out = append(out, total)

		for _, g := range GradeOrder {
			n, ok := e.Grades[g]
			if !ok {
				continue
			}
			r := base
			r.GradeLevel = g
			r.Subgroup = SubgroupTotal
			r.NStudents = n
			r.Pct = share(n, e.Total)
			out = append(out, r)
		}

		for _, s := range SubgroupOrder {
			n, ok := e.Subgroups[s]
			if !ok {
				continue
			}
			r := base
			r.GradeLevel = GradeTotal
			r.Subgroup = s
			r.NStudents = n
			r.Pct = share(n, e.Total)
			out = append(out, r)
		}
	}
	return out
}

func share(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// Filter returns the records whose district ID matches districtID, ignoring case.
func Filter(records []Record, districtID string) []Record {
	out := []Record{}
	for _, r := range records {
		if strings.EqualFold(r.DistrictID, districtID) {
			out = append(out, r)
		}
	}
	return out
}
