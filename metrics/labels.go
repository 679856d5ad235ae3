package metrics

import "strconv"

func result(ok bool) string {
	if ok {
		return "admitted"
	}
	return "denied"
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
