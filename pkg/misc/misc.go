package misc

import "fmt"

var sizeSuffixes = [...]string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

func FormatFileSize(bytes int64) string {
	size := float64(bytes)

	var suffixIndex int
	for size/1024 > 1 {
		size /= 1024
		suffixIndex++
	}

	res := []rune(fmt.Sprintf("%.2f", size))
	for i := len(res) - 1; i >= 0; i-- {
		if res[i] != '0' {
			if res[i] == '.' {
				i--
			}
			res = res[:i+1]
			break
		}
	}

	return string(res) + " " + sizeSuffixes[suffixIndex]
}

// FormatProgress returns a string like "1.5 MiB / 3 MiB (50%)". Total can be equal to downloaded
// when the size of the resource is unknown.
func FormatProgress(downloaded, total int64) string {
	if total <= 0 {
		return FormatFileSize(downloaded)
	}
	percent := float64(downloaded) / float64(total) * 100
	return fmt.Sprintf("%s / %s (%.0f%%)", FormatFileSize(downloaded), FormatFileSize(total), percent)
}
