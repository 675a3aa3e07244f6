/*
Copyright 2022 The GAS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"html/template"
	"io"
)

const tmplPageHeaderText = `<!doctype html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>GAS: {{.Title}}</title>
    <style>
    body {
        font-family: sans-serif;
        margin: 2em auto;
        max-width: 48em;
        padding: 0 1em;
    }

    table {
        border-collapse: collapse;
        width: 100%;
    }

    th, td {
        border-bottom: 1px solid #ddd;
        padding: 6px;
        text-align: left;
    }

    dt {
        font-weight: bold;
        margin-top: 8px;
    }

    pre {
        background-color: #f4f4f4;
        overflow-x: auto;
        padding: 1em;
    }

    .alert {
        background-color: #fdd;
        padding: 1em;
    }
    </style>
</head>
<body>
<h1>{{.Title}}</h1>
`

var tmplPageHeader = template.Must(template.New("page-header").Parse(tmplPageHeaderText))

func htmlPageHeader(out io.Writer, title string) error {
	args := struct {
		Title string
	}{
		Title: title,
	}
	return tmplPageHeader.Execute(out, args)
}

const tmplPageFooterText = `</body></html>`

var tmplPageFooter = template.Must(template.New("page-footer").Parse(tmplPageFooterText))

func htmlPageFooter(out io.Writer) error {
	return tmplPageFooter.Execute(out, struct{}{})
}

const tmplHomeText = `
    <p>Upload a VCF file and the annotation service will process it and
    notify you when the results are ready.</p>
    <ul>
        <li><a href="/annotate">Request a new annotation</a></li>
        <li><a href="/annotations">My annotations</a></li>
        <li><a href="/subscribe">Subscription</a></li>
    </ul>
`

var tmplHome = template.Must(template.New("home").Parse(tmplHomeText))

func htmlHome(out io.Writer) error {
	return tmplHome.Execute(out, struct{}{})
}

// The upload form posts straight to the object store. Every signed field
// must be submitted verbatim and the file must come last or the store
// rejects the request.
const tmplUploadFormText = `
    <p>Select a VCF file to annotate. You will be redirected back here once
    the upload completes.</p>
    <form action="{{.URL}}" method="post" enctype="multipart/form-data">
        {{- range $name, $value := .Fields}}
        <input type="hidden" name="{{$name}}" value="{{$value}}">
        {{- end}}
        <input type="file" name="file">
        <button type="submit">Annotate</button>
    </form>
`

var tmplUploadForm = template.Must(template.New("upload-form").Parse(tmplUploadFormText))

func htmlUploadForm(out io.Writer, url string, fields map[string]string) error {
	args := struct {
		URL    string
		Fields map[string]string
	}{
		URL:    url,
		Fields: fields,
	}
	return tmplUploadForm.Execute(out, args)
}

const tmplJobCreatedText = `
    <p>Your annotation request has been accepted.</p>
    <p>Job <a href="/annotations/{{.JobID}}">{{.JobID}}</a> is queued; you
    will receive an email when the results are ready.</p>
`

var tmplJobCreated = template.Must(template.New("job-created").Parse(tmplJobCreatedText))

func htmlJobCreated(out io.Writer, jobID string) error {
	args := struct {
		JobID string
	}{
		JobID: jobID,
	}
	return tmplJobCreated.Execute(out, args)
}

const tmplJobListText = `
    <p><a href="/annotate">Request a new annotation</a></p>
    <table>
        <tr>
            <th>Request ID</th>
            <th>Submitted</th>
            <th>Input file</th>
            <th>Status</th>
        </tr>
        {{- range .Jobs}}
        <tr>
            <td><a href="/annotations/{{.JobID}}">{{.JobID}}</a></td>
            <td>{{.SubmitTime}}</td>
            <td>{{.InputFileName}}</td>
            <td>{{.Status}}</td>
        </tr>
        {{- end}}
    </table>
`

var tmplJobList = template.Must(template.New("job-list").Parse(tmplJobListText))

// jobRow is one line of the list view, times already formatted.
type jobRow struct {
	JobID         string
	SubmitTime    string
	InputFileName string
	Status        string
}

func htmlJobList(out io.Writer, jobs []jobRow) error {
	args := struct {
		Jobs []jobRow
	}{
		Jobs: jobs,
	}
	return tmplJobList.Execute(out, args)
}

const tmplJobDetailText = `
    <dl>
        <dt>Request ID</dt><dd>{{.JobID}}</dd>
        <dt>Request time</dt><dd>{{.SubmitTime}}</dd>
        <dt>VCF input file</dt><dd><a href="{{.InputLink}}">{{.InputFileName}}</a></dd>
        <dt>Status</dt><dd>{{.Status}}</dd>
        {{- if .CompleteTime}}
        <dt>Complete time</dt><dd>{{.CompleteTime}}</dd>
        {{- end}}
        {{- if .Completed}}
        <dt>Annotated results file</dt>
        {{- if .Restoring}}
        <dd>The results file is being restored; please check back later.</dd>
        {{- else if .UpgradeLink}}
        <dd><a href="{{.UpgradeLink}}">Upgrade to Premium</a> to download restored results.</dd>
        {{- else}}
        <dd><a href="{{.ResultLink}}">Download</a></dd>
        {{- end}}
        <dt>Annotation log file</dt><dd><a href="/annotations/{{.JobID}}/log">View</a></dd>
        {{- end}}
    </dl>
    <p><a href="/annotations">Back to my annotations</a></p>
`

var tmplJobDetail = template.Must(template.New("job-detail").Parse(tmplJobDetailText))

// jobDetail is the detail view, times formatted and links resolved.
type jobDetail struct {
	JobID         string
	SubmitTime    string
	InputFileName string
	InputLink     string
	Status        string
	Completed     bool
	CompleteTime  string
	Restoring     bool
	UpgradeLink   string
	ResultLink    string
}

func htmlJobDetail(out io.Writer, detail jobDetail) error {
	return tmplJobDetail.Execute(out, detail)
}

const tmplJobLogText = `
    <p>Log for job <a href="/annotations/{{.JobID}}">{{.JobID}}</a>:</p>
    <pre>{{.Log}}</pre>
`

var tmplJobLog = template.Must(template.New("job-log").Parse(tmplJobLogText))

func htmlJobLog(out io.Writer, jobID, log string) error {
	args := struct {
		JobID string
		Log   string
	}{
		JobID: jobID,
		Log:   log,
	}
	return tmplJobLog.Execute(out, args)
}

const tmplSubscribeText = `
    {{- if .Premium}}
    <p>You are a Premium subscriber. Your results stay in hot storage
    indefinitely.</p>
    {{- else}}
    <p>Free results move to archival storage after the retention window.
    Upgrade to Premium to keep results available and to restore anything
    already archived.</p>
    <form action="/subscribe" method="post">
        <button type="submit">Upgrade to Premium</button>
    </form>
    {{- end}}
`

var tmplSubscribe = template.Must(template.New("subscribe").Parse(tmplSubscribeText))

func htmlSubscribe(out io.Writer, premium bool) error {
	args := struct {
		Premium bool
	}{
		Premium: premium,
	}
	return tmplSubscribe.Execute(out, args)
}

const tmplSubscribedText = `
    <p>Your account has been upgraded to Premium.</p>
    {{- if .Restores}}
    <p>Restoration of {{.Restores}} archived result file(s) has been
    requested; each becomes available for download once retrieval
    completes.</p>
    {{- end}}
    <p><a href="/annotations">Back to my annotations</a></p>
`

var tmplSubscribed = template.Must(template.New("subscribed").Parse(tmplSubscribedText))

func htmlSubscribed(out io.Writer, restores int) error {
	args := struct {
		Restores int
	}{
		Restores: restores,
	}
	return tmplSubscribed.Execute(out, args)
}

const tmplErrorText = `
    <div class="alert">{{.Message}}</div>
    <p><a href="/">Home</a></p>
`

var tmplError = template.Must(template.New("error").Parse(tmplErrorText))

func htmlError(out io.Writer, message string) error {
	args := struct {
		Message string
	}{
		Message: message,
	}
	return tmplError.Execute(out, args)
}
