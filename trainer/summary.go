package trainer

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/wimlds/tokclass/metrics"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true)
	keyStyle      = lipgloss.NewStyle().Faint(true).Width(12)
	improvedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// table renders key/value pairs under a title, in a box.
func table(title string, kv ...string) string {
	rows := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(kv[i]), kv[i+1]))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), strings.Join(rows, "\n")))
}

func renderEpoch(rec EpochRecord, epochs int) string {
	valLoss := fmt.Sprintf("%.4f", rec.Val.Loss)
	if rec.Improved {
		valLoss = improvedStyle.Render(valLoss + " *")
	}
	return table(fmt.Sprintf("Epoch %d/%d", rec.Epoch+1, epochs),
		"train_loss", fmt.Sprintf("%.4f", rec.TrainLoss),
		"val_loss", valLoss,
		"val_acc", fmt.Sprintf("%.4f (%d/%d)", rec.Val.Accuracy, rec.Val.Correct, rec.Val.Total),
		"time", rec.Duration.Round(time.Millisecond).String(),
	)
}

func renderFit(h *History) string {
	kv := []string{
		"run", h.RunID,
		"epochs", fmt.Sprintf("%d", len(h.Epochs)),
	}
	if h.BestEpoch >= 0 {
		kv = append(kv, "best epoch", fmt.Sprintf("%d", h.BestEpoch+1), "val_loss", fmt.Sprintf("%.4f", h.BestValLoss))
	}
	if h.StoppedEarly {
		kv = append(kv, "stopped", "early")
	}
	if h.Checkpoint != "" {
		kv = append(kv, "checkpoint", h.Checkpoint)
	}
	return table("Training done", kv...)
}

func renderTest(m metrics.EpochMetrics) string {
	return table("Test",
		"test_loss", fmt.Sprintf("%.4f", m.Loss),
		"test_acc", fmt.Sprintf("%.4f (%d/%d)", m.Accuracy, m.Correct, m.Total),
		"steps", fmt.Sprintf("%d", m.Steps),
	)
}
