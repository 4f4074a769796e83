package pipeline

// --- Page OCR Model Prompts ---

const PageSystemPrompt = "You are a document parser. Your task is to transcribe the content of a scanned document page into plain text. Accuracy, detail, and information preservation are of utmost importance."

const PageUserPrompt = `You will be provided with an image of a single document page.

Transcribe the page and respond with a single JSON object containing exactly these fields:

{
  "primary_language": ISO 639-1 code of the dominant language on the page, or null if the page has no text,
  "is_rotation_valid": true if the page image is upright, false if it is rotated,
  "rotation_correction": degrees (0, 90, 180 or 270) to rotate the image clockwise to make it upright,
  "is_table": true if the page is dominated by tabular content,
  "is_diagram": true if the page is dominated by a diagram or figure,
  "natural_text": the full text content of the page in natural reading order, or null if the page has none
}

Transcription rules:

Text: Transcribe all text content in natural reading order, preserving paragraph structure.
Tables: Render tables as plain text rows, preserving cell order left to right, top to bottom.
Figures: Replace each figure with a short description of its content.
Headers and Footers: Ignore repeated page furniture such as page numbers and running headers.

Respond with ONLY the JSON object. Do not include any text before or after it.`
